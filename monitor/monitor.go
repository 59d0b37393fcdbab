/*Package monitor records the health of an acquisition session.

It samples the session status every <duration>, keeps up to N samples of the
position, throughput and stall count and returns them over HTTP.
*/
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var log logrus.FieldLogger = logrus.WithField("logger", "golacq/monitor")

// SetLogger sets the package logger
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

// Sample is one reading of the monitored session
type Sample struct {
	AbsPos  int64
	Stalls  uint64
	Running bool
}

// Sampler returns the current reading
type Sampler func() Sample

// circle is a ring buffer that overwrites its oldest entry when full.
// It is not concurrent safe
type circle[T any] struct {
	buf    []T
	cursor int
	filled bool
}

func newCircle[T any](size int) circle[T] {
	return circle[T]{buf: make([]T, size)}
}

func (c *circle[T]) append(v T) {
	if c.cursor == len(c.buf) {
		c.cursor = 0
		c.filled = true
	}
	c.buf[c.cursor] = v
	c.cursor++
}

// contiguous copies the values from least to most recent
func (c *circle[T]) contiguous() []T {
	if !c.filled {
		return append([]T{}, c.buf[:c.cursor]...)
	}
	out := make([]T, 0, len(c.buf))
	out = append(out, c.buf[c.cursor:]...)
	return append(out, c.buf[:c.cursor]...)
}

// Monitor keeps ring buffers of session health readings and can serve them
// over HTTP
type Monitor struct {
	sample   Sampler
	interval time.Duration
	clock    clock.Clock

	mu     sync.Mutex
	time   circle[time.Time]
	pos    circle[int64]
	rate   circle[float64]
	stalls circle[uint64]
	last   *reading
	stop   chan struct{}
	done   chan struct{}
}

type reading struct {
	t time.Time
	Sample
}

type history struct {
	Time   []time.Time `json:"timestamp"`
	AbsPos []int64     `json:"absPos"`
	Rate   []float64   `json:"rate"`
	Stalls []uint64    `json:"stalls"`
}

// New creates a Monitor sampling every interval and keeping capacity samples.
// A nil clk uses the wall clock
func New(s Sampler, interval time.Duration, capacity int, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Monitor{
		sample:   s,
		interval: interval,
		clock:    clk,
		time:     newCircle[time.Time](capacity),
		pos:      newCircle[int64](capacity),
		rate:     newCircle[float64](capacity),
		stalls:   newCircle[uint64](capacity),
	}
}

// Start triggers operation of the monitor
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.runner(m.clock.Ticker(m.interval), m.stop, m.done)
}

// Stop halts the monitor.  It may be restarted
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Monitor) runner(ticker *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			m.Record(t, m.sample())
		case <-stop:
			return
		}
	}
}

// Record appends a reading taken at t.  The rate is the change in position
// since the previous reading per second of t
func (m *Monitor) Record(t time.Time, s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate := 0.
	if m.last != nil {
		dt := t.Sub(m.last.t).Seconds()
		if dt > 0 && s.AbsPos >= m.last.AbsPos {
			rate = float64(s.AbsPos-m.last.AbsPos) / dt
		}
	}
	if m.last != nil && m.last.Running && !s.Running {
		log.WithField("absPos", s.AbsPos).Warn("acquisition no longer running")
	}
	m.last = &reading{t: t, Sample: s}
	m.time.append(t)
	m.pos.append(s.AbsPos)
	m.rate.append(rate)
	m.stalls.append(s.Stalls)
}

func (m *Monitor) history() history {
	m.mu.Lock()
	defer m.mu.Unlock()
	return history{
		Time:   m.time.contiguous(),
		AbsPos: m.pos.contiguous(),
		Rate:   m.rate.contiguous(),
		Stalls: m.stalls.contiguous(),
	}
}

// HTTPYield returns an object over HTTP which contains arrays of timestamps,
// positions, rates and stall counts
func (m *Monitor) HTTPYield(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(m.history())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
