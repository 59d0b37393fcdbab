/*Package publish broadcasts the acquisition write position.

After every committed batch the acquisition loop hands the new absolute
position to a Publisher.  Publishers must not block: delivery is best effort
and subscribers are expected to act on the latest value they see, tolerating
skipped intermediate positions.

Bus fans a position out to in-process subscribers.  Multi combines several
publishers.  Encode and Decode define the wire form used by network
transports, a single msgpack integer.
*/
package publish

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrClosed is generated when publishing on or subscribing to a closed bus
	ErrClosed = errors.New("publisher is closed")

	// ErrSubscriberExists is generated when a subscriber id is reused
	ErrSubscriberExists = errors.New("subscriber already exists")

	// ErrSubscriberNotFound is generated for an unknown subscriber id
	ErrSubscriberNotFound = errors.New("subscriber not found")

	// ErrNilChannel is generated when subscribing a nil channel
	ErrNilChannel = errors.New("channel is nil")
)

// Publisher emits absolute positions
type Publisher interface {
	Publish(pos int64) error
}

// Func adapts a function to a Publisher
type Func func(pos int64) error

// Publish calls f
func (f Func) Publish(pos int64) error { return f(pos) }

// Encode serializes a position for the wire
func Encode(pos int64) ([]byte, error) {
	return msgpack.Marshal(pos)
}

// Decode parses a position encoded by Encode, or by any msgpack encoder of
// an integer
func Decode(b []byte) (int64, error) {
	var pos int64
	if err := msgpack.Unmarshal(b, &pos); err != nil {
		return 0, fmt.Errorf("decoding position: %w", err)
	}
	return pos, nil
}

// Multi publishes to every member.  A failing member does not stop the
// others; all failures are joined in the returned error
type Multi []Publisher

// Publish sends pos to every member
func (m Multi) Publish(pos int64) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(pos); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats are delivery counters of one subscriber
type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Latest holds the newest position published to a subscriber.
// Older values are overwritten, never queued
type Latest struct {
	pos     atomic.Int64
	seq     atomic.Uint64
	changed chan struct{}
}

func newLatest() *Latest {
	return &Latest{changed: make(chan struct{}, 1)}
}

func (l *Latest) set(pos int64) {
	l.pos.Store(pos)
	l.seq.Add(1)
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// Load returns the newest position and how many positions have been
// delivered so far
func (l *Latest) Load() (pos int64, seq uint64) {
	return l.pos.Load(), l.seq.Load()
}

// Changed returns a coalesced notification that fires after one or more
// new positions arrive.  Always Load after waking
func (l *Latest) Changed() <-chan struct{} {
	return l.changed
}

type subscriber struct {
	ch     chan<- int64
	latest *Latest
	stats  Stats
}

// Bus fans positions out to in-process subscribers without blocking
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a subscriber that always sees the latest position
func (b *Bus) Subscribe(id string) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.subscribers[id]; ok {
		return nil, ErrSubscriberExists
	}
	l := newLatest()
	b.subscribers[id] = &subscriber{latest: l}
	return l, nil
}

// SubscribeChan registers a channel subscriber.  Sends are non-blocking; a
// position that finds the channel full is dropped and counted
func (b *Bus) SubscribeChan(id string, ch chan<- int64) error {
	if ch == nil {
		return ErrNilChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.subscribers[id]; ok {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a subscriber
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[id]; !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish delivers pos to every subscriber
func (b *Bus) Publish(pos int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.published.Add(1)
	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.set(pos)
			atomic.AddUint64(&s.stats.Sent, 1)
			continue
		}
		select {
		case s.ch <- pos:
			atomic.AddUint64(&s.stats.Sent, 1)
		default:
			atomic.AddUint64(&s.stats.Dropped, 1)
		}
	}
	return nil
}

// Published is the number of positions published on the bus
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Stats returns the delivery counters of a subscriber
func (b *Bus) Stats(id string) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subscribers[id]
	if !ok {
		return Stats{}, ErrSubscriberNotFound
	}
	return Stats{
		Sent:    atomic.LoadUint64(&s.stats.Sent),
		Dropped: atomic.LoadUint64(&s.stats.Dropped),
	}, nil
}

// Close drops all subscribers; later publishes return ErrClosed
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
}
