/*Package acq implements the continuous ring buffer acquisition loop.

A Loop polls a ringsrc.Source for newly written rows, converts them from
device codes to volts, writes them into a dbuf double buffer and publishes
the absolute write position.  Rows are released to the driver only after they
are in the double buffer and their position has been published.

The loop is a small state machine:

	Idle -> Running -> Stopping -> Closed
	            \----> Faulted  -> Closed

A single goroutine owns a Running loop; Status may be read from any
goroutine.
*/
package acq

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/golacq/calib"
	"github.com/nasa-jpl/golacq/dbuf"
	"github.com/nasa-jpl/golacq/publish"
	"github.com/nasa-jpl/golacq/ringsrc"
)

// DefaultSleepTime is how long the loop sleeps when the driver has nothing new
const DefaultSleepTime = 10 * time.Millisecond

var (
	debug = strings.Contains(os.Getenv("DEBUG_GOLACQ"), "acq")

	log logrus.FieldLogger = logrus.WithField("logger", "golacq/acq")
)

// SetLogger sets the package logger, used by loops without their own
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

func init() {
	if debug && !logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// State is the lifecycle state of a Loop
type State int32

const (
	// Idle loops have not started
	Idle State = iota
	// Running loops are moving data
	Running
	// Stopping loops were asked to stop and are releasing the source
	Stopping
	// Faulted loops hit a driver error and released the source
	Faulted
	// Closed loops are finished
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Faulted:
		return "faulted"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(b []byte) error {
	for c := Idle; c <= Closed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Params configure a Loop
type Params struct {
	// Source is the driver ring buffer.  The loop owns it once started and
	// closes it when it stops or faults
	Source ringsrc.Source

	// Buffer receives calibrated samples
	Buffer dbuf.Writer

	// Converters holds one converter per channel
	Converters []calib.Converter

	// Publisher is notified of the position after every batch.  Optional
	Publisher publish.Publisher

	// SleepTime is the idle sleep; DefaultSleepTime if zero
	SleepTime time.Duration

	// Clock drives sleeps and timing; the wall clock if nil
	Clock clock.Clock

	// Metrics are updated if not nil
	Metrics *Metrics

	// Logger replaces the package logger if not nil
	Logger logrus.FieldLogger
}

// Status is a point in time view of a Loop
type Status struct {
	State      State  `json:"state"`
	AbsPos     int64  `json:"absPos"`
	LastIndex  int    `json:"lastIndex"`
	Iterations uint64 `json:"iterations"`
	Stalls     uint64 `json:"stalls"`
	Fault      string `json:"fault,omitempty"`
}

// Loop moves rows from a Source to a double buffer
type Loop struct {
	src      ringsrc.Source
	buf      dbuf.Writer
	conv     []calib.Converter
	pub      publish.Publisher
	sleep    time.Duration
	clock    clock.Clock
	metrics  *Metrics
	log      logrus.FieldLogger
	pubLimit *rate.Limiter

	capacity int
	rowSize  int
	half     int

	// owned by the worker goroutine
	lastIndex int
	pos       int
	scratch   []float64

	state      atomic.Int32
	absPos     atomic.Int64
	lastShared atomic.Int64
	iterations atomic.Uint64
	stalls     atomic.Uint64
	fault      atomic.Pointer[Fault]
}

// New validates p and returns an Idle loop
func New(p Params) (*Loop, error) {
	if p.Source == nil {
		return nil, Configf("Source", "no ring source")
	}
	if p.Buffer == nil {
		return nil, Configf("Buffer", "no double buffer")
	}
	ch := p.Source.Channels()
	if ch <= 0 {
		return nil, Configf("Source", "source has %d channels", ch)
	}
	if p.Source.Capacity() <= 0 {
		return nil, Configf("Source", "source capacity %d", p.Source.Capacity())
	}
	if p.Buffer.Channels() != ch {
		return nil, Configf("Buffer", "buffer has %d channels, source has %d", p.Buffer.Channels(), ch)
	}
	if p.Buffer.HalfSize() <= 0 {
		return nil, Configf("Buffer", "half size %d", p.Buffer.HalfSize())
	}
	if len(p.Converters) != ch {
		return nil, Configf("Converters", "%d converters for %d channels", len(p.Converters), ch)
	}
	for i, c := range p.Converters {
		if c == nil {
			return nil, Configf("Converters", "converter %d is nil", i)
		}
	}
	if p.SleepTime < 0 {
		return nil, Configf("SleepTime", "negative sleep %v", p.SleepTime)
	}
	l := &Loop{
		src:      p.Source,
		buf:      p.Buffer,
		conv:     p.Converters,
		pub:      p.Publisher,
		sleep:    p.SleepTime,
		clock:    p.Clock,
		metrics:  p.Metrics,
		log:      p.Logger,
		capacity: p.Source.Capacity(),
		rowSize:  p.Source.RowSize(),
		half:     p.Buffer.HalfSize(),
		pubLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	if l.sleep == 0 {
		l.sleep = DefaultSleepTime
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	if l.log == nil {
		l.log = log
	}
	if l.pub == nil {
		l.pub = publish.Func(func(int64) error { return nil })
	}
	start := p.Source.StartIndex()
	if start < 0 || start >= l.capacity {
		return nil, Configf("Source", "start index %d outside capacity %d", start, l.capacity)
	}
	l.lastIndex = start
	l.lastShared.Store(int64(start))
	l.scratch = make([]float64, l.capacity)
	return l, nil
}

// State returns the current state
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Position returns the absolute position of the last committed row
func (l *Loop) Position() int64 {
	return l.absPos.Load()
}

// Err returns the fault that stopped the loop, if any
func (l *Loop) Err() error {
	if f := l.fault.Load(); f != nil {
		return f
	}
	return nil
}

// Status returns a snapshot of the loop counters
func (l *Loop) Status() Status {
	s := Status{
		State:      l.State(),
		AbsPos:     l.absPos.Load(),
		LastIndex:  int(l.lastShared.Load()),
		Iterations: l.iterations.Load(),
		Stalls:     l.stalls.Load(),
	}
	if f := l.fault.Load(); f != nil {
		s.Fault = f.Error()
	}
	return s
}

// Start moves an Idle loop to Running and publishes the initial position
func (l *Loop) Start() error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	l.log.WithFields(logrus.Fields{
		"channels": l.buf.Channels(),
		"capacity": l.capacity,
		"half":     l.half,
	}).Debug("acquisition running")
	l.publish(0)
	return nil
}

// Step runs one iteration.  advanced is false when the driver had no whole
// row to offer; the caller should sleep before the next Step.  A non-nil
// error is a *Fault and leaves the loop Faulted
func (l *Loop) Step(ctx context.Context) (advanced bool, err error) {
	if l.State() != Running {
		return false, ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t0 := l.clock.Now()

	n, err := l.src.PollNewBytes()
	if err != nil {
		return false, l.fail("poll", err)
	}
	nBytes := ringsrc.WholeRows(n, l.rowSize)
	if nBytes == 0 {
		l.stall()
		return false, nil
	}
	rows := nBytes / l.rowSize
	index := (l.lastIndex + rows) % l.capacity
	if index == l.lastIndex {
		// a whole capacity of rows is indistinguishable from none
		l.stall()
		return false, nil
	}

	if index < l.lastIndex {
		if err := l.segment(l.lastIndex, l.capacity); err != nil {
			return false, l.fail("read", err)
		}
		l.lastIndex = 0
	}
	if err := l.segment(l.lastIndex, index); err != nil {
		return false, l.fail("read", err)
	}
	l.lastIndex = index % l.capacity
	l.lastShared.Store(int64(l.lastIndex))

	pos := l.absPos.Load()
	l.publish(pos)

	if err := l.src.Consume(nBytes); err != nil {
		return false, l.fail("consume", err)
	}
	l.iterations.Add(1)
	if m := l.metrics; m != nil {
		m.Iterations.Inc()
		m.Samples.Add(float64(rows))
		m.BatchRows.Observe(float64(rows))
		m.BatchDuration.Observe(l.clock.Since(t0).Seconds())
		m.Position.Set(float64(pos))
	}
	return true, nil
}

// segment commits rows [start, end) of the source.  The rows are read in
// full before anything is written, so a failed read commits nothing
func (l *Loop) segment(start, end int) error {
	if start == end {
		return nil
	}
	raw, err := l.src.ReadWindow(start, end)
	if err != nil {
		return err
	}
	n := end - start
	vals := l.scratch[:n]
	for c, codes := range raw {
		l.conv[c].ToPhysical(vals, codes)
		// split at the half boundary so every sample lands with its mirror
		pos := l.pos
		for off := 0; off < n; {
			k := n - off
			if room := l.half - pos; k > room {
				k = room
			}
			l.buf.Write(c, pos, vals[off:off+k])
			off += k
			pos = (pos + k) % l.half
		}
	}
	abs := l.absPos.Add(int64(n))
	l.pos = int(abs % int64(l.half))
	return nil
}

func (l *Loop) publish(pos int64) {
	if err := l.pub.Publish(pos); err != nil {
		if m := l.metrics; m != nil {
			m.PublishFailures.Inc()
		}
		if l.pubLimit.Allow() {
			l.log.WithError(&PublishFault{Pos: pos, Err: err}).Warn("position not published")
		}
	}
}

func (l *Loop) stall() {
	l.stalls.Add(1)
	if m := l.metrics; m != nil {
		m.Stalls.Inc()
	}
}

func (l *Loop) fail(op string, err error) error {
	f := &Fault{Op: op, Err: err}
	l.fault.Store(f)
	l.state.Store(int32(Faulted))
	if m := l.metrics; m != nil {
		m.Faults.Inc()
	}
	l.log.WithError(err).WithFields(logrus.Fields{
		"op":     op,
		"absPos": l.absPos.Load(),
	}).Error("acquisition fault")
	if cerr := l.src.Close(); cerr != nil {
		l.log.WithError(cerr).Debug("closing faulted source")
	}
	return f
}

// Run starts the loop if it is Idle and steps it until stop is set, ctx is
// done or the driver faults.  On a normal stop the source is closed and nil
// is returned; on a fault the *Fault is returned.  The loop is Closed
// afterwards in both cases
func (l *Loop) Run(ctx context.Context, stop *atomic.Bool) error {
	if l.State() == Idle {
		if err := l.Start(); err != nil {
			return err
		}
	}
	defer l.state.Store(int32(Closed))
	for {
		if stop.Load() || ctx.Err() != nil {
			l.state.Store(int32(Stopping))
			l.log.WithField("absPos", l.absPos.Load()).Debug("acquisition stopping")
			if err := l.src.Close(); err != nil {
				l.log.WithError(err).Debug("closing source")
			}
			return nil
		}
		advanced, err := l.Step(ctx)
		if err != nil {
			if f := l.fault.Load(); f != nil {
				return f
			}
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		if advanced {
			continue
		}
		select {
		case <-l.clock.After(l.sleep):
		case <-ctx.Done():
		}
	}
}
