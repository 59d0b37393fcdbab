package ringsrc

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Op names a Source operation, for fault injection
type Op string

const (
	// OpPoll is PollNewBytes
	OpPoll Op = "poll"

	// OpRead is ReadWindow
	OpRead Op = "read"

	// OpConsume is Consume
	OpConsume Op = "consume"
)

// Generator produces the raw code of channel ch in absolute row n
type Generator func(n int64, ch int) int16

// Sim is an in-process driver.  Data are pushed in with Write or WriteBytes,
// or produced continuously at a fixed rate with Run.  It is safe for one
// producer and one consumer goroutine.
type Sim struct {
	mu       sync.Mutex
	channels int
	capacity int
	data     []byte // capacity rows, row-major, little-endian int16

	produced uint64 // bytes ever written
	consumed uint64 // bytes ever consumed
	overrun  bool
	closed   bool

	faults   map[Op]error
	calls    map[Op]int
	consumes []int
	scratch  [][]int16
}

// NewSim creates a synthetic driver buffer of capacity rows
func NewSim(channels, capacity int) *Sim {
	return &Sim{
		channels: channels,
		capacity: capacity,
		data:     make([]byte, channels*capacity*ItemSize),
		faults:   make(map[Op]error),
		calls:    make(map[Op]int),
		scratch:  make([][]int16, channels),
	}
}

// Capacity is the number of rows the buffer holds
func (s *Sim) Capacity() int { return s.capacity }

// Channels is the number of channels in a row
func (s *Sim) Channels() int { return s.channels }

// RowSize is the number of bytes in one row
func (s *Sim) RowSize() int { return s.channels * ItemSize }

// StartIndex is the row the unconsumed data begins at
func (s *Sim) StartIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return startIndex(s.consumed, s.RowSize(), s.capacity)
}

// Write appends whole rows, each of length Channels()
func (s *Sim) Write(rows [][]int16) {
	b := make([]byte, 0, len(rows)*s.RowSize())
	for _, row := range rows {
		for _, v := range row {
			b = binary.LittleEndian.AppendUint16(b, uint16(v))
		}
	}
	s.WriteBytes(b)
}

// WriteBytes appends raw bytes, which may end mid-row
func (s *Sim) WriteBytes(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := uint64(len(s.data))
	for len(b) > 0 {
		off := s.produced % size
		n := copy(s.data[off:], b)
		b = b[n:]
		s.produced += uint64(n)
	}
	if s.produced-s.consumed > size {
		s.overrun = true
	}
}

// Produced returns the total bytes written so far
func (s *Sim) Produced() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.produced
}

// FailNext makes the next call of op return err
func (s *Sim) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Calls returns how many times op has been called
func (s *Sim) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Consumes returns the byte counts of every successful Consume call
func (s *Sim) Consumes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.consumes...)
}

func (s *Sim) enter(op Op) error {
	s.calls[op]++
	if s.closed {
		return ErrClosed
	}
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

// PollNewBytes returns the bytes written since the last Consume
func (s *Sim) PollNewBytes() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpPoll); err != nil {
		return 0, err
	}
	if s.overrun {
		return 0, ErrOverrun
	}
	return int(s.produced - s.consumed), nil
}

// ReadWindow returns rows [start, end) as one slice per channel
func (s *Sim) ReadWindow(start, end int) ([][]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRead); err != nil {
		return nil, err
	}
	if err := checkWindow(start, end, s.capacity); err != nil {
		return nil, err
	}
	n := end - start
	for c := 0; c < s.channels; c++ {
		if cap(s.scratch[c]) < n {
			s.scratch[c] = make([]int16, n)
		}
		s.scratch[c] = s.scratch[c][:n]
	}
	row := s.RowSize()
	for r := 0; r < n; r++ {
		off := (start + r) * row
		for c := 0; c < s.channels; c++ {
			s.scratch[c][r] = int16(binary.LittleEndian.Uint16(s.data[off+c*ItemSize:]))
		}
	}
	return s.scratch, nil
}

// Consume releases nBytes to the driver
func (s *Sim) Consume(nBytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpConsume); err != nil {
		return err
	}
	if uint64(nBytes) > s.produced-s.consumed {
		return ErrConsume
	}
	s.consumed += uint64(nBytes)
	s.consumes = append(s.consumes, nBytes)
	return nil
}

// Close marks the source closed; later calls return ErrClosed
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return nil
}

// Run produces rows from gen at rate rows per second until ctx is done.
// Rows are written in bursts every tick, like a DMA engine filling the
// buffer a packet at a time
func (s *Sim) Run(ctx context.Context, rate float64, tick time.Duration, gen Generator) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	start := time.Now()
	var n int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			target := int64(now.Sub(start).Seconds() * rate)
			if target <= n {
				continue
			}
			rows := make([][]int16, 0, target-n)
			for ; n < target; n++ {
				row := make([]int16, s.channels)
				for c := range row {
					row[c] = gen(n, c)
				}
				rows = append(rows, row)
			}
			s.Write(rows)
		}
	}
}

// Sine returns a generator of full-scale sine waves of freq Hz sampled at
// rate, each channel shifted by a quarter period
func Sine(rate, freq float64) Generator {
	return func(n int64, ch int) int16 {
		phase := 2*math.Pi*freq*float64(n)/rate + float64(ch)*math.Pi/2
		return int16(math.Round(32000 * math.Sin(phase)))
	}
}

// running is a Sim fed by its own generator until it is closed
type running struct {
	*Sim
	cancel context.CancelFunc
}

func (r running) Close() error {
	r.cancel()
	return r.Sim.Close()
}

// SimOpener returns an Opener whose sources are simulated drivers of the
// given shape, produced from gen at rate rows per second until closed.
// The path is ignored
func SimOpener(channels, capacity int, rate float64, tick time.Duration, gen Generator) Opener {
	return func(string) (Source, error) {
		ctx, cancel := context.WithCancel(context.Background())
		s := NewSim(channels, capacity)
		go s.Run(ctx, rate, tick, gen)
		return running{Sim: s, cancel: cancel}, nil
	}
}
