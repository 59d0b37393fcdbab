package ringsrc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"github.com/snksoft/crc"

	"github.com/nasa-jpl/golacq/shm"
)

/* shared ring file layout, host byte order

   0  uint32  magic "GLRG"
   4  uint32  layout version
   8  uint32  channels
  12  uint32  item size (bytes)
  16  uint64  capacity (rows)
  24  uint64  CRC-32 of bytes [0, 24)
  32  uint64  produced bytes (atomic, written by the producer)
  40  uint64  consumed bytes (atomic, written by the consumer)
  48..64      reserved
  64          capacity*channels int16 codes, row-major
*/

const (
	shmMagic   = 0x47524c47 // "GLRG"
	shmVersion = 1

	// ShmHeaderSize is the size of the shared ring header in bytes
	ShmHeaderSize = 64

	offProduced = 32
	offConsumed = 40
)

var (
	// ErrBadHeader is generated when a shared ring file has a foreign or
	// corrupt header
	ErrBadHeader = errors.New("shared ring header is invalid")
)

// ShmSize is the file size of a shared ring
func ShmSize(channels, capacity int) int {
	return ShmHeaderSize + channels*capacity*ItemSize
}

type shmRing struct {
	region   *shm.Region
	channels int
	capacity int
	data     []int16
	produced *uint64
	consumed *uint64
}

func mapRing(r *shm.Region, channels, capacity int) shmRing {
	mem := r.Mem
	return shmRing{
		region:   r,
		channels: channels,
		capacity: capacity,
		data:     unsafe.Slice((*int16)(unsafe.Pointer(&mem[ShmHeaderSize])), channels*capacity),
		produced: (*uint64)(unsafe.Pointer(&mem[offProduced])),
		consumed: (*uint64)(unsafe.Pointer(&mem[offConsumed])),
	}
}

func headerChecksum(hdr []byte) uint64 {
	return crc.CalculateCRC(crc.CRC32, hdr[:24])
}

func writeHeader(mem []byte, channels, capacity int) {
	ne := binary.NativeEndian
	ne.PutUint32(mem[0:], shmMagic)
	ne.PutUint32(mem[4:], shmVersion)
	ne.PutUint32(mem[8:], uint32(channels))
	ne.PutUint32(mem[12:], ItemSize)
	ne.PutUint64(mem[16:], uint64(capacity))
	ne.PutUint64(mem[24:], headerChecksum(mem))
}

func readHeader(mem []byte) (channels, capacity int, err error) {
	if len(mem) < ShmHeaderSize {
		return 0, 0, ErrBadHeader
	}
	ne := binary.NativeEndian
	if ne.Uint32(mem[0:]) != shmMagic {
		return 0, 0, fmt.Errorf("bad magic %#x: %w", ne.Uint32(mem[0:]), ErrBadHeader)
	}
	if v := ne.Uint32(mem[4:]); v != shmVersion {
		return 0, 0, fmt.Errorf("layout version %d, want %d: %w", v, shmVersion, ErrBadHeader)
	}
	if sum := ne.Uint64(mem[24:]); sum != headerChecksum(mem) {
		return 0, 0, fmt.Errorf("checksum mismatch: %w", ErrBadHeader)
	}
	if ne.Uint32(mem[12:]) != ItemSize {
		return 0, 0, fmt.Errorf("item size %d, want %d: %w", ne.Uint32(mem[12:]), ItemSize, ErrBadHeader)
	}
	return int(ne.Uint32(mem[8:])), int(ne.Uint64(mem[16:])), nil
}

// Shm is the consumer side of a shared ring file
type Shm struct {
	shmRing
	scratch [][]int16
}

// ShmOptions controls how long OpenShm waits for the producer
type ShmOptions struct {
	// MaxWait bounds the total time spent waiting for the file to appear
	// with a valid header.  Zero means 3 seconds
	MaxWait time.Duration

	// Notify is called after every failed attempt, with the wait before
	// the next one
	Notify func(err error, next time.Duration)
}

// OpenShm maps the shared ring at path.  The producer may not have created
// it yet; opening is retried with exponential backoff until MaxWait elapses
func OpenShm(path string, opts ShmOptions) (*Shm, error) {
	if opts.MaxWait == 0 {
		opts.MaxWait = 3 * time.Second
	}
	var s *Shm
	op := func() error {
		var err error
		s, err = openShm(path)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrBadHeader) || errors.Is(err, shm.ErrTooSmall) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("retryIn", next).Debug("waiting for shared ring")
		if opts.Notify != nil {
			opts.Notify(err, next)
		}
	}
	err := backoff.RetryNotify(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      opts.MaxWait,
		Clock:               backoff.SystemClock}, notify)
	if err != nil {
		return nil, fmt.Errorf("opening shared ring %s: %w", path, err)
	}
	return s, nil
}

func openShm(path string) (*Shm, error) {
	hdr, err := shm.Map(path, ShmHeaderSize, false)
	if err != nil {
		return nil, err
	}
	channels, capacity, err := readHeader(hdr.Mem)
	hdr.Close()
	if err != nil {
		return nil, err
	}
	r, err := shm.Map(path, ShmSize(channels, capacity), false)
	if err != nil {
		return nil, err
	}
	return &Shm{shmRing: mapRing(r, channels, capacity), scratch: make([][]int16, channels)}, nil
}

// Capacity is the number of rows the buffer holds
func (s *Shm) Capacity() int { return s.capacity }

// Channels is the number of channels in a row
func (s *Shm) Channels() int { return s.channels }

// RowSize is the number of bytes in one row
func (s *Shm) RowSize() int { return s.channels * ItemSize }

// StartIndex is the row the unconsumed data begins at, taken from the
// consumed counter the file carries across consumers
func (s *Shm) StartIndex() int {
	return startIndex(atomic.LoadUint64(s.consumed), s.RowSize(), s.capacity)
}

// PollNewBytes returns the bytes written by the producer since the last
// Consume.  A ring with all Capacity rows pending is reported as an overrun,
// ShmWriter never fills the last row
func (s *Shm) PollNewBytes() (int, error) {
	if s.region == nil {
		return 0, ErrClosed
	}
	p := atomic.LoadUint64(s.produced)
	c := atomic.LoadUint64(s.consumed)
	if p-c >= uint64(s.capacity*s.RowSize()) {
		return 0, ErrOverrun
	}
	return int(p - c), nil
}

// ReadWindow returns rows [start, end) as one slice per channel
func (s *Shm) ReadWindow(start, end int) ([][]int16, error) {
	if s.region == nil {
		return nil, ErrClosed
	}
	if err := checkWindow(start, end, s.capacity); err != nil {
		return nil, err
	}
	s.scratch = deinterleave(s.scratch, s.data, s.channels, start, end)
	return s.scratch, nil
}

// Consume releases nBytes to the producer
func (s *Shm) Consume(nBytes int) error {
	if s.region == nil {
		return ErrClosed
	}
	p := atomic.LoadUint64(s.produced)
	c := atomic.LoadUint64(s.consumed)
	if uint64(nBytes) > p-c {
		return ErrConsume
	}
	atomic.AddUint64(s.consumed, uint64(nBytes))
	return nil
}

// Close unmaps the ring
func (s *Shm) Close() error {
	if s.region == nil {
		return ErrClosed
	}
	err := s.region.Close()
	s.region = nil
	return err
}

// ShmWriter is the producer side of a shared ring file
type ShmWriter struct {
	shmRing
}

// CreateShm creates (or resets) a shared ring file at path
func CreateShm(path string, channels, capacity int) (*ShmWriter, error) {
	if channels <= 0 || capacity < 2 {
		return nil, fmt.Errorf("shared ring needs positive channels and at least 2 rows, got %d, %d", channels, capacity)
	}
	r, err := shm.Map(path, ShmSize(channels, capacity), true)
	if err != nil {
		return nil, err
	}
	ring := mapRing(r, channels, capacity)
	atomic.StoreUint64(ring.produced, 0)
	atomic.StoreUint64(ring.consumed, 0)
	writeHeader(r.Mem, channels, capacity)
	return &ShmWriter{shmRing: ring}, nil
}

// Space returns the number of whole rows that can be written without
// overwriting unconsumed data.  One row is always kept free
func (w *ShmWriter) Space() int {
	p := atomic.LoadUint64(w.produced)
	c := atomic.LoadUint64(w.consumed)
	rowSize := uint64(w.channels * ItemSize)
	if n := w.capacity - 1 - int((p-c+rowSize-1)/rowSize); n > 0 {
		return n
	}
	return 0
}

// Write copies as many of rows as fit into the ring and publishes them,
// returning the number written.  Rows that do not fit are dropped, as a
// device would on overrun
func (w *ShmWriter) Write(rows [][]int16) int {
	n := len(rows)
	if space := w.Space(); n > space {
		n = space
	}
	rowSize := w.channels * ItemSize
	start := int(atomic.LoadUint64(w.produced)/uint64(rowSize)) % w.capacity
	for i := 0; i < n; i++ {
		idx := (start + i) % w.capacity
		copy(w.data[idx*w.channels:(idx+1)*w.channels], rows[i])
	}
	atomic.AddUint64(w.produced, uint64(n*rowSize))
	return n
}

// Produced returns the total bytes published
func (w *ShmWriter) Produced() uint64 {
	return atomic.LoadUint64(w.produced)
}

// Close unmaps the ring.  The file is left for the consumer, remove it with Remove
func (w *ShmWriter) Close() error {
	return w.region.Close()
}

// Remove deletes the ring file
func (w *ShmWriter) Remove() error {
	return w.region.Remove()
}
