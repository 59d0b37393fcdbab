/*Package device is the process control surface of an acquisition session.

A Session goes through Configure, Initialize, Start, Stop and Close.
Configure records options; Initialize opens the source once to learn its
shape, fixes the channel list, computes the realized sampling rate and buffer
length and allocates the output stream; Start runs the acquisition loop on its own OS thread; Stop
asks it to finish and reports any driver fault.
*/
package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/golacq/acq"
	"github.com/nasa-jpl/golacq/calib"
	"github.com/nasa-jpl/golacq/publish"
	"github.com/nasa-jpl/golacq/ringsrc"
	"github.com/nasa-jpl/golacq/stream"
	"github.com/nasa-jpl/golacq/util"
)

var log logrus.FieldLogger = logrus.WithField("logger", "golacq/device")

// SetLogger sets the package logger
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

var (
	// ErrNotConfigured is generated when initializing before Configure
	ErrNotConfigured = errors.New("session is not configured")

	// ErrNotInitialized is generated when starting before Initialize
	ErrNotInitialized = errors.New("session is not initialized")

	// ErrRunning is generated when reconfiguring or starting a running session
	ErrRunning = errors.New("session is running")
)

// Info are the realized acquisition parameters of an initialized session
type Info struct {
	Board        string    `json:"board"`
	DevicePath   string    `json:"devicePath"`
	Stream       string    `json:"stream"`
	Endpoint     string    `json:"endpoint"`
	SamplingRate float64   `json:"samplingRate"`
	BufferLength float64   `json:"bufferLength"`
	PacketSize   int       `json:"packetSize"`
	HalfSize     int       `json:"halfSize"`
	Capacity     int       `json:"capacity"`
	Channels     []Channel `json:"channels"`
}

// Status combines the session state with the loop status
type Status struct {
	Configured  bool `json:"configured"`
	Initialized bool `json:"initialized"`
	Running     bool `json:"running"`
	acq.Status
}

// Session drives one device
type Session struct {
	// Opener opens the ring source named by Options.DevicePath
	Opener ringsrc.Opener

	// Registry allocates the output stream
	Registry *stream.Registry

	// Publisher is notified of positions in addition to the stream buffer
	// and Bus.  Optional
	Publisher publish.Publisher

	// Bus fans positions out to in-process subscribers
	Bus *publish.Bus

	// Metrics are handed to every loop.  Optional
	Metrics *acq.Metrics

	// Clock is handed to every loop.  Optional
	Clock clock.Clock

	mu          sync.Mutex
	opts        Options
	configured  bool
	initialized bool
	info        Info
	stream      *stream.Stream
	loop        *acq.Loop
	stop        atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
}

// New creates a session reading sources from open and allocating streams
// in reg
func New(open ringsrc.Opener, reg *stream.Registry) *Session {
	return &Session{Opener: open, Registry: reg, Bus: publish.NewBus()}
}

func (s *Session) running() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Configure validates and records the options.  Channels are checked
// against the source at Initialize
func (s *Session) Configure(o Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return ErrRunning
	}
	if o.DevicePath == "" {
		return acq.Configf("DevicePath", "no device path")
	}
	if !(o.SamplingRate > 0) {
		return acq.Configf("SamplingRate", "rate %v must be positive", o.SamplingRate)
	}
	if !(o.BufferLength > 0) {
		return acq.Configf("BufferLength", "length %v must be positive", o.BufferLength)
	}
	if o.DevicePacket == 0 {
		o.DevicePacket = DefaultDevicePacket
	}
	if o.DevicePacket < 0 {
		return acq.Configf("DevicePacket", "packet %d is negative", o.DevicePacket)
	}
	if o.SleepTime < 0 {
		return acq.Configf("SleepTime", "negative sleep %v", o.SleepTime)
	}
	if o.Board == "" {
		o.Board = "device"
	}
	seen := make(map[int]bool)
	for _, c := range o.Channels {
		if seen[c.Index] {
			return acq.Configf("Channels", "channel %d listed twice", c.Index)
		}
		seen[c.Index] = true
		// an unset range takes the default
		if (c.Min != 0 || c.Max != 0) && !(c.Min < c.Max) {
			return acq.Configf("Channels", "channel %d range [%v, %v] is empty or inverted", c.Index, c.Min, c.Max)
		}
	}
	s.opts = o
	s.configured = true
	s.initialized = false
	return nil
}

// selectChannels resolves the configured channel list against a source of
// n channels
func selectChannels(o Options, n int) ([]Channel, error) {
	all := o.Channels
	if len(all) == 0 {
		if len(o.Selection) == 0 {
			all = DefaultChannels(n)
		} else {
			max := 0
			for _, idx := range o.Selection {
				if idx+1 > max {
					max = idx + 1
				}
			}
			all = DefaultChannels(max)
		}
	}
	byIndex := make(map[int]ChannelOptions, len(all))
	for _, c := range all {
		byIndex[c.Index] = c
	}
	sel := o.Selection
	if len(sel) == 0 {
		for _, c := range all {
			sel = append(sel, c.Index)
		}
	}
	sel = append([]int(nil), sel...)
	sort.Ints(sel)
	out := make([]Channel, 0, len(sel))
	for i, idx := range sel {
		if i > 0 && sel[i-1] == idx {
			return nil, acq.Configf("Selection", "channel %d selected twice", idx)
		}
		c, ok := byIndex[idx]
		if !ok {
			return nil, acq.Configf("Selection", "channel %d is not configured", idx)
		}
		ch := Channel{Index: idx, Name: c.Name, Range: calib.Range{Min: c.Min, Max: c.Max}, poly: c.Calibration}
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("AI Channel %d", idx)
		}
		if c.Min == 0 && c.Max == 0 {
			ch.Range = calib.Range{Min: -DefaultRange, Max: DefaultRange}
		}
		out = append(out, ch)
	}
	if len(out) != n {
		return nil, acq.Configf("Channels", "%d channels selected, the source carries %d", len(out), n)
	}
	return out, nil
}

// Initialize reads the shape of the source and allocates the output stream
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return ErrRunning
	}
	if !s.configured {
		return ErrNotConfigured
	}
	if s.stream != nil {
		s.releaseStream()
	}
	s.initialized = false
	o := s.opts

	src, err := s.Opener(o.DevicePath)
	if err != nil {
		return &acq.ConfigurationError{Field: "DevicePath", Err: err}
	}
	n, capacity := src.Channels(), src.Capacity()
	if err := src.Close(); err != nil {
		log.WithError(err).Debug("closing source after reading its shape")
	}
	channels, err := selectChannels(o, n)
	if err != nil {
		return err
	}
	if !validRate(o.SamplingRate, n) {
		return acq.Configf("SamplingRate", "rate %v cannot be scheduled over %d channels", o.SamplingRate, n)
	}
	rate := RealizedRate(o.SamplingRate, n)
	packet := PacketSize(o.DevicePacket, n)
	half := BufferRows(rate, o.BufferLength, packet)
	if half <= 0 {
		return acq.Configf("BufferLength", "%v s at %v Hz is less than one packet of %d", o.BufferLength, rate, packet)
	}

	name := stream.Name(o.Board, s.boardNumber())
	sc := make([]stream.Channel, len(channels))
	for i, c := range channels {
		sc[i] = stream.Channel{Index: c.Index, Name: c.Name, Min: c.Range.Min, Max: c.Range.Max, Units: "V"}
	}
	st, err := s.Registry.NewAnalogStream(stream.Spec{
		Name:       name,
		Channels:   sc,
		HalfSize:   half,
		SampleRate: rate,
	})
	if err != nil {
		return &acq.ConfigurationError{Field: "Stream", Err: err}
	}
	s.stream = st
	s.info = Info{
		Board:        o.Board,
		DevicePath:   o.DevicePath,
		Stream:       st.Name,
		Endpoint:     st.Endpoint,
		SamplingRate: rate,
		BufferLength: float64(half) / rate,
		PacketSize:   packet,
		HalfSize:     half,
		Capacity:     capacity,
		Channels:     channels,
	}
	s.initialized = true
	s.loop = nil
	s.err = nil
	idx := make([]int, len(channels))
	for i, c := range channels {
		idx[i] = c.Index
	}
	log.WithFields(logrus.Fields{
		"stream":       name,
		"channels":     util.IntSliceToCSV(idx),
		"requested":    o.SamplingRate,
		"samplingRate": rate,
		"bufferLength": s.info.BufferLength,
		"packetSize":   packet,
	}).Info("session initialized")
	return nil
}

func (s *Session) boardNumber() int {
	// streams of other sessions on the same registry keep their numbers
	n := 0
	for _, d := range s.Registry.List() {
		if strings.HasPrefix(d.Name, s.opts.Board+" #") {
			n++
		}
	}
	return n
}

// Start launches the acquisition loop
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return ErrRunning
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	src, err := s.Opener(s.opts.DevicePath)
	if err != nil {
		return &acq.Fault{Op: "open", Err: err}
	}
	conv := make([]calib.Converter, len(s.info.Channels))
	for i, c := range s.info.Channels {
		conv[i] = c.Converter()
	}
	pubs := publish.Multi{s.stream.Buffer}
	if s.Bus != nil {
		pubs = append(pubs, s.Bus)
	}
	if s.Publisher != nil {
		pubs = append(pubs, s.Publisher)
	}
	loop, err := acq.New(acq.Params{
		Source:     src,
		Buffer:     s.stream.Buffer,
		Converters: conv,
		Publisher:  pubs,
		SleepTime:  s.opts.SleepTime,
		Clock:      s.Clock,
		Metrics:    s.Metrics,
		Logger:     log.WithField("stream", s.info.Stream),
	})
	if err != nil {
		src.Close()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.loop = loop
	s.cancel = cancel
	s.err = nil
	s.stop.Store(false)
	done := make(chan struct{})
	s.done = done
	if err := loop.Start(); err != nil {
		cancel()
		close(done)
		return err
	}
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		err := loop.Run(ctx, &s.stop)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	log.WithField("stream", s.info.Stream).Info("acquisition started")
	return nil
}

// Stop asks the loop to finish, waits for it and returns its fault, if any.
// Stopping a session that is not running returns the fault of its last run
func (s *Session) Stop() error {
	s.mu.Lock()
	done := s.done
	s.stop.Store(true)
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	log.WithField("stream", s.info.Stream).Info("acquisition stopped")
	return s.err
}

// Wait blocks until the loop exits on its own or by Stop and returns its
// fault, if any
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) releaseStream() {
	if err := s.Registry.Release(s.stream.Name); err != nil {
		log.WithError(err).Warn("releasing stream")
	}
	s.stream = nil
}

// Close stops acquisition, releases the stream and forgets the configuration
func (s *Session) Close() error {
	err := s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.releaseStream()
	}
	s.configured = false
	s.initialized = false
	s.done = nil
	return err
}

// Info returns the realized parameters.  It is the zero value before
// Initialize
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Stream returns the output stream, nil before Initialize
func (s *Session) Stream() *stream.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Status reports the session and loop state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Configured:  s.configured,
		Initialized: s.initialized,
		Running:     s.running(),
	}
	if s.loop != nil {
		st.Status = s.loop.Status()
	}
	return st
}

// Position is the last committed absolute position, 0 before Start
func (s *Session) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == nil {
		return 0
	}
	return s.loop.Position()
}
