/*Package dbuf implements the double-length circular output buffer.

Every channel owns 2*half samples.  A sample committed at logical position
p = absPos % half is stored at p and again at p+half, so a reader wanting the
n <= half samples that end at a published absolute position can always take
them as one contiguous slice, even when the window straddles the wrap.

There is one writer and any number of readers, with no locking.  Readers
must only use positions that have been published by the writer and must keep
within half samples of the newest one; older data are overwritten.

The buffer lives either on the Go heap (New) or in a memory-mapped file that
other processes open with OpenShared.
*/
package dbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/snksoft/crc"

	"github.com/nasa-jpl/golacq/shm"
)

/* shared file layout, host byte order

   0  uint32  magic "GLDB"
   4  uint32  layout version
   8  uint32  channels
  12  uint32  reserved
  16  uint64  half size (samples)
  24  uint64  CRC-32 of bytes [0, 24)
  32  int64   published absolute position (atomic)
  40..64      reserved
  64          channels * 2*half float64, channel-major
*/

const (
	magic   = 0x42444c47 // "GLDB"
	version = 1

	// HeaderSize is the size of the shared file header in bytes
	HeaderSize = 64

	offPosition = 32
)

var (
	// ErrShape is generated for a channel index or window outside the buffer
	ErrShape = errors.New("outside the buffer shape")

	// ErrHistory is generated when a window reaches back before position zero
	ErrHistory = errors.New("window reaches before the start of acquisition")

	// ErrBadHeader is generated when a shared buffer file has a foreign or
	// corrupt header
	ErrBadHeader = errors.New("shared buffer header is invalid")
)

// Writer is the write side of a double buffer, the part the acquisition loop uses
type Writer interface {
	Write(channel, pos int, values []float64) int
	HalfSize() int
	Channels() int
	Publish(pos int64) error
}

// Buffer is a double buffer of float64 samples
type Buffer struct {
	half     int
	channels int
	data     [][]float64
	position *int64

	region *shm.Region
}

// New allocates a heap-backed buffer
func New(channels, half int) (*Buffer, error) {
	if channels <= 0 || half <= 0 {
		return nil, fmt.Errorf("%d channels x %d samples: %w", channels, half, ErrShape)
	}
	data := make([][]float64, channels)
	for c := range data {
		data[c] = make([]float64, 2*half)
	}
	return &Buffer{half: half, channels: channels, data: data, position: new(int64)}, nil
}

// Size is the file size of a shared buffer
func Size(channels, half int) int {
	return HeaderSize + channels*2*half*8
}

// OpenShared maps a buffer in the file at path.  With create the file is
// created or reset to the given shape; otherwise the shape is read from the
// header and channels, half are ignored
func OpenShared(path string, channels, half int, create bool) (*Buffer, error) {
	if create {
		if channels <= 0 || half <= 0 {
			return nil, fmt.Errorf("%d channels x %d samples: %w", channels, half, ErrShape)
		}
		r, err := shm.Map(path, Size(channels, half), true)
		if err != nil {
			return nil, err
		}
		for i := range r.Mem {
			r.Mem[i] = 0
		}
		writeHeader(r.Mem, channels, half)
		return mapBuffer(r, channels, half), nil
	}
	hdr, err := shm.Map(path, HeaderSize, false)
	if err != nil {
		return nil, err
	}
	channels, half, err = readHeader(hdr.Mem)
	hdr.Close()
	if err != nil {
		return nil, err
	}
	r, err := shm.Map(path, Size(channels, half), false)
	if err != nil {
		return nil, err
	}
	return mapBuffer(r, channels, half), nil
}

func mapBuffer(r *shm.Region, channels, half int) *Buffer {
	all := unsafe.Slice((*float64)(unsafe.Pointer(&r.Mem[HeaderSize])), channels*2*half)
	data := make([][]float64, channels)
	for c := range data {
		data[c] = all[c*2*half : (c+1)*2*half : (c+1)*2*half]
	}
	return &Buffer{
		half:     half,
		channels: channels,
		data:     data,
		position: (*int64)(unsafe.Pointer(&r.Mem[offPosition])),
		region:   r,
	}
}

func headerChecksum(mem []byte) uint64 {
	return crc.CalculateCRC(crc.CRC32, mem[:24])
}

func writeHeader(mem []byte, channels, half int) {
	ne := binary.NativeEndian
	ne.PutUint32(mem[0:], magic)
	ne.PutUint32(mem[4:], version)
	ne.PutUint32(mem[8:], uint32(channels))
	ne.PutUint64(mem[16:], uint64(half))
	ne.PutUint64(mem[24:], headerChecksum(mem))
}

func readHeader(mem []byte) (channels, half int, err error) {
	ne := binary.NativeEndian
	if ne.Uint32(mem[0:]) != magic || ne.Uint32(mem[4:]) != version {
		return 0, 0, ErrBadHeader
	}
	if ne.Uint64(mem[24:]) != headerChecksum(mem) {
		return 0, 0, fmt.Errorf("checksum mismatch: %w", ErrBadHeader)
	}
	return int(ne.Uint32(mem[8:])), int(ne.Uint64(mem[16:])), nil
}

// HalfSize is the length of the visible window
func (b *Buffer) HalfSize() int { return b.half }

// Channels is the number of channels
func (b *Buffer) Channels() int { return b.channels }

// Channel returns the full 2*half backing slice of one channel
func (b *Buffer) Channel(c int) []float64 { return b.data[c] }

// Write stores values at [pos, pos+len(values)) of a channel and mirrors them
// to [pos+half, pos+len(values)+half).  The mirror is clipped at 2*half: only
// the part that fits is mirrored, and the count of mirrored samples is
// returned.  Writes with pos+len(values) <= half never clip
func (b *Buffer) Write(channel, pos int, values []float64) int {
	data := b.data[channel]
	n := copy(data[pos:], values)
	lo := pos + b.half
	if lo >= len(data) {
		return 0
	}
	return copy(data[lo:], data[pos:pos+n])
}

// Publish stores the newest committed absolute position where readers of
// the buffer, including other processes, can load it
func (b *Buffer) Publish(pos int64) error {
	atomic.StoreInt64(b.position, pos)
	return nil
}

// Position loads the newest published absolute position
func (b *Buffer) Position() int64 {
	return atomic.LoadInt64(b.position)
}

// Window returns the n samples of a channel that end at absolute position
// absPos, as one contiguous slice into the buffer (not a copy)
func (b *Buffer) Window(channel int, absPos int64, n int) ([]float64, error) {
	if channel < 0 || channel >= b.channels || n < 0 || n > b.half {
		return nil, fmt.Errorf("channel %d window %d of %dx%d: %w", channel, n, b.channels, b.half, ErrShape)
	}
	if int64(n) > absPos {
		return nil, fmt.Errorf("%d samples before position %d: %w", n, absPos, ErrHistory)
	}
	end := int(absPos % int64(b.half))
	start := end - n
	if start < 0 {
		start += b.half
	}
	return b.data[channel][start : start+n], nil
}

// Snapshot copies the last n samples of every channel ending at absPos
func (b *Buffer) Snapshot(absPos int64, n int) ([][]float64, error) {
	out := make([][]float64, b.channels)
	for c := range out {
		w, err := b.Window(c, absPos, n)
		if err != nil {
			return nil, err
		}
		out[c] = append([]float64(nil), w...)
	}
	return out, nil
}

// Close unmaps a shared buffer.  It is a no-op for heap buffers
func (b *Buffer) Close() error {
	if b.region == nil {
		return nil
	}
	err := b.region.Close()
	b.region = nil
	b.data = nil
	return err
}

// Remove unmaps a shared buffer and deletes its file
func (b *Buffer) Remove() error {
	if b.region == nil {
		return nil
	}
	r := b.region
	if err := b.Close(); err != nil {
		return err
	}
	return r.Remove()
}

// Path is the backing file of a shared buffer, empty for heap buffers
func (b *Buffer) Path() string {
	if b.region == nil {
		return ""
	}
	return b.region.Path
}
