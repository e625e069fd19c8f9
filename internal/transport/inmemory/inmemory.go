// Package inmemory implements a transport.Adapter pair wired directly
// together through Go channels, with no byte-level encoding at all. It
// exists for same-process Source/Channel pairs and for tests that want a
// deterministic, zero-dependency link.
package inmemory

import (
	"sync"

	"github.com/webitel/stateful-rpc/internal/transport"
)

// direction carries messages one way and knows how to tear itself down.
type direction struct {
	out chan []any

	mu     sync.Mutex
	closed bool
}

func newDirection() *direction {
	return &direction{out: make(chan []any, 64)}
}

func (d *direction) send(msg []any) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errClosedLink
	}
	d.mu.Unlock()
	d.out <- msg
	return nil
}

func (d *direction) shut() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.out)
}

var errClosedLink = closedLinkError{}

type closedLinkError struct{}

func (closedLinkError) Error() string { return "inmemory: link closed" }

// Link is a bidirectional in-process pair of transport.Adapter values: aToB
// carries messages sent by a's endpoint to b's endpoint and vice versa.
// Break tears down both directions and fires both sides' Closed callback
// with reason, simulating an underlying connection drop.
type Link struct {
	aToB, bToA *direction

	mu        sync.Mutex
	aClosedFn transport.Closed
	bClosedFn transport.Closed
}

// NewPair returns a fresh Link and the two adapters bound to it.
func NewPair() (*Link, transport.Adapter, transport.Adapter) {
	l := &Link{aToB: newDirection(), bToA: newDirection()}

	a := func(deliver transport.Deliver, closed transport.Closed) (transport.Send, error) {
		l.mu.Lock()
		l.aClosedFn = closed
		l.mu.Unlock()
		go pump(l.bToA.out, deliver)
		return l.aToB.send, nil
	}
	b := func(deliver transport.Deliver, closed transport.Closed) (transport.Send, error) {
		l.mu.Lock()
		l.bClosedFn = closed
		l.mu.Unlock()
		go pump(l.aToB.out, deliver)
		return l.bToA.send, nil
	}
	return l, a, b
}

// Break tears down the link, as if the underlying connection dropped:
// both directions stop accepting sends and both sides' Closed fires with
// reason, at most once.
func (l *Link) Break(reason any) {
	l.aToB.shut()
	l.bToA.shut()

	l.mu.Lock()
	aFn, bFn := l.aClosedFn, l.bClosedFn
	l.aClosedFn, l.bClosedFn = nil, nil
	l.mu.Unlock()
	if aFn != nil {
		aFn(reason)
	}
	if bFn != nil {
		bFn(reason)
	}
}

func pump(ch <-chan []any, deliver transport.Deliver) {
	for msg := range ch {
		deliver(msg)
	}
}

// Pair is a convenience wrapper over NewPair for callers that don't need to
// Break the link explicitly.
func Pair() (a, b transport.Adapter) {
	_, a, b = NewPair()
	return a, b
}
