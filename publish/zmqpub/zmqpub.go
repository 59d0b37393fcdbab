// Package zmqpub publishes acquisition positions on a ZeroMQ PUB socket.
//
// Each message is a single msgpack integer, see publish.Encode.  Sends use
// DONTWAIT so a stalled or absent subscriber never blocks the acquisition
// loop; a message that cannot be queued is counted and dropped.
package zmqpub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pebbe/zmq4"

	"github.com/nasa-jpl/golacq/publish"
)

// Pub is a PUB socket that satisfies publish.Publisher
type Pub struct {
	mu      sync.Mutex
	ctx     *zmq4.Context
	sock    *zmq4.Socket
	addr    string
	dropped atomic.Uint64
}

// Bind creates a PUB socket bound to addr, e.g. "tcp://*:8001"
func Bind(addr string) (*Pub, error) {
	ctx, err := zmq4.NewContext()
	if err != nil {
		return nil, err
	}
	sock, err := ctx.NewSocket(zmq4.PUB)
	if err != nil {
		ctx.Term()
		return nil, err
	}
	// do not hold shutdown waiting on unsent positions
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		ctx.Term()
		return nil, err
	}
	if err := sock.Bind(addr); err != nil {
		sock.Close()
		ctx.Term()
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	endpoint, err := sock.GetLastEndpoint()
	if err != nil {
		endpoint = addr
	}
	return &Pub{ctx: ctx, sock: sock, addr: endpoint}, nil
}

// Endpoint is the address the socket is bound to
func (p *Pub) Endpoint() string {
	return p.addr
}

// Dropped is the number of positions that could not be queued
func (p *Pub) Dropped() uint64 {
	return p.dropped.Load()
}

// Publish sends pos without blocking
func (p *Pub) Publish(pos int64) error {
	b, err := publish.Encode(pos)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil {
		return publish.ErrClosed
	}
	_, err = p.sock.SendBytes(b, zmq4.DONTWAIT)
	if err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			p.dropped.Add(1)
			return nil
		}
		return err
	}
	return nil
}

// Close closes the socket and its context
func (p *Pub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil {
		return nil
	}
	err := p.sock.Close()
	p.sock = nil
	return errors.Join(err, p.ctx.Term())
}

// Sub is a SUB socket receiving positions from a Pub
type Sub struct {
	ctx  *zmq4.Context
	sock *zmq4.Socket
}

// Dial connects a SUB socket to addr and subscribes to every message
func Dial(addr string) (*Sub, error) {
	ctx, err := zmq4.NewContext()
	if err != nil {
		return nil, err
	}
	sock, err := ctx.NewSocket(zmq4.SUB)
	if err != nil {
		ctx.Term()
		return nil, err
	}
	if err := sock.SetSubscribe(""); err != nil {
		sock.Close()
		ctx.Term()
		return nil, err
	}
	if err := sock.Connect(addr); err != nil {
		sock.Close()
		ctx.Term()
		return nil, fmt.Errorf("connecting %s: %w", addr, err)
	}
	return &Sub{ctx: ctx, sock: sock}, nil
}

// Recv blocks until the next position arrives
func (s *Sub) Recv() (int64, error) {
	b, err := s.sock.RecvBytes(0)
	if err != nil {
		return 0, err
	}
	return publish.Decode(b)
}

// Close closes the socket and its context
func (s *Sub) Close() error {
	return errors.Join(s.sock.Close(), s.ctx.Term())
}
