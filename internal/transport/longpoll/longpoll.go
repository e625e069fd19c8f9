// Package longpoll implements a second transport.Adapter, over plain HTTP
// long-polling instead of a persistent WebSocket connection: open once,
// POST to send, GET to poll for queued outbound messages. It demonstrates
// that the multiplexing core in internal/source and internal/client is
// genuinely transport-agnostic (spec §6.2), adapted from the teacher's
// long-polling delivery handler (internal/handler/lp/delivery.go).
package longpoll

import (
	"sync"
	"time"

	"github.com/webitel/stateful-rpc/internal/transport"
)

// DefaultPollTimeout mirrors the teacher's 30-second long-poll window.
const DefaultPollTimeout = 30 * time.Second

// DefaultDrainBatch mirrors the teacher's 15-event drain cap per poll.
const DefaultDrainBatch = 15

// link is one open long-poll session: a queue of outbound messages waiting
// to be picked up by the next GET, and the deliver/closed callbacks handed
// to the adapter when the link was opened.
type link struct {
	id string

	mu     sync.Mutex
	outbox [][]any
	waiter chan struct{} // replaced each time outbox transitions empty->non-empty

	deliver transport.Deliver
	closed  transport.Closed

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(id string, deliver transport.Deliver, closed transport.Closed) *link {
	return &link{id: id, deliver: deliver, closed: closed, waiter: make(chan struct{}), done: make(chan struct{})}
}

func (l *link) send(msg []any) error {
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}
	l.mu.Lock()
	l.outbox = append(l.outbox, msg)
	close(l.waiter)
	l.waiter = make(chan struct{})
	l.mu.Unlock()
	return nil
}

// poll blocks up to timeout for at least one outbound message, then drains
// up to DefaultDrainBatch of them, mirroring the teacher's poll+drain loop.
func (l *link) poll(timeout time.Duration) [][]any {
	l.mu.Lock()
	if len(l.outbox) == 0 {
		waiter := l.waiter
		l.mu.Unlock()
		select {
		case <-waiter:
		case <-time.After(timeout):
			return nil
		case <-l.done:
			return nil
		}
		l.mu.Lock()
	}
	n := len(l.outbox)
	if n > DefaultDrainBatch {
		n = DefaultDrainBatch
	}
	batch := l.outbox[:n]
	l.outbox = l.outbox[n:]
	l.mu.Unlock()
	return batch
}

func (l *link) deliverInbound(msg []any) {
	l.deliver(msg)
}

func (l *link) close(reason any) {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closed(reason)
	})
}

type closedLinkError string

func (e closedLinkError) Error() string { return string(e) }

const errLinkClosed = closedLinkError("longpoll: link closed")
