/*Package ringsrc abstracts the circular acquisition buffer owned by a driver.

A driver fills a buffer of Capacity() rows, each row holding one int16 code
per channel.  The consumer asks how many bytes have arrived since it last
released data (PollNewBytes), reads windows of rows out of the buffer
(ReadWindow) and finally tells the driver those bytes may be overwritten
(Consume).

PollNewBytes reports raw bytes, which need not be a whole number of rows.
Callers truncate with WholeRows; the remainder stays unconsumed in the driver
and is reported again on the next poll.

A ring holding exactly Capacity() rows cannot be told from an empty one by
its read index, so producers leave at least one row free.

Two backends are provided: Sim, an in-process synthetic driver used for tests
and mock operation, and Shm, a ring file in shared memory filled by another
process.
*/
package ringsrc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/golacq/util"
)

var log logrus.FieldLogger = logrus.WithField("logger", "golacq/ringsrc")

// SetLogger sets the package logger
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

// ItemSize is the size in bytes of one raw code
const ItemSize = 2

var (
	// ErrOverrun is generated when the producer has written more data than the
	// buffer holds since the last Consume; the unread data has been overwritten
	ErrOverrun = errors.New("driver buffer overrun: producer lapped the consumer")

	// ErrClosed is generated when a source is used after Close
	ErrClosed = errors.New("source is closed")

	// ErrWindow is generated for a read window outside [0, Capacity] or with end < start
	ErrWindow = errors.New("invalid read window")

	// ErrConsume is generated when more bytes are consumed than are available
	ErrConsume = errors.New("consume exceeds available bytes")
)

// Source is a driver-owned circular buffer of rows
type Source interface {
	// Capacity is the number of rows the buffer holds
	Capacity() int

	// Channels is the number of channels in a row
	Channels() int

	// RowSize is the number of bytes in one row
	RowSize() int

	// StartIndex is the row the unconsumed data begins at.  A source
	// reopened after an earlier consumer returns where that consumer stopped
	StartIndex() int

	// PollNewBytes returns the bytes written by the driver since the last
	// Consume.  The count may end in a partial row
	PollNewBytes() (int, error)

	// ReadWindow returns rows [start, end) as one slice per channel.
	// 0 <= start <= end <= Capacity.  The slices are only valid until the
	// next call to ReadWindow
	ReadWindow(start, end int) ([][]int16, error)

	// Consume releases nBytes to the driver
	Consume(nBytes int) error

	// Close releases the driver handle
	Close() error
}

// Opener opens a source from a device path
type Opener func(path string) (Source, error)

// WholeRows truncates n down to a whole number of rows
func WholeRows(n, rowSize int) int {
	return util.AlignDown(n, rowSize)
}

func startIndex(consumed uint64, rowSize, capacity int) int {
	return int(consumed/uint64(rowSize)) % capacity
}

// PageAlignedCapacity returns the number of rows a driver buffer of at most
// maxBytes can hold when its per-channel length is a whole number of pages
func PageAlignedCapacity(maxBytes, channels, itemSize, pageSize int) int {
	if channels <= 0 || itemSize <= 0 || pageSize <= 0 {
		return 0
	}
	return maxBytes / channels / itemSize / pageSize * pageSize
}

func checkWindow(start, end, capacity int) error {
	if start < 0 || end > capacity || end < start {
		return fmt.Errorf("[%d, %d) with capacity %d: %w", start, end, capacity, ErrWindow)
	}
	return nil
}

// deinterleave copies rows [start, end) of a row-major buffer into per-channel
// scratch slices, growing them as needed
func deinterleave(scratch [][]int16, data []int16, channels, start, end int) [][]int16 {
	n := end - start
	for c := 0; c < channels; c++ {
		if cap(scratch[c]) < n {
			scratch[c] = make([]int16, n)
		}
		scratch[c] = scratch[c][:n]
	}
	for r := 0; r < n; r++ {
		row := data[(start+r)*channels : (start+r+1)*channels]
		for c, v := range row {
			scratch[c][r] = v
		}
	}
	return scratch
}
