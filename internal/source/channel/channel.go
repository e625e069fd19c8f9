// Package channel implements the Source Channel: the Source endpoint's
// handle for one accepted channel (spec §4.2).
package channel

import (
	"sync"

	"github.com/webitel/stateful-rpc/internal/eventbus"
	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/wire"
)

const (
	busKeyReady = "ready"
	busKeyError = "error"
	busKeyClose = "close"
)

// CloseHook is invoked exactly once, the first time Close runs to
// completion, so the owning Source endpoint can remove the channel from its
// registry, update the Subscriber Map, and dispose the bound Source if
// AutoDispose is set. The Source endpoint's hook sends nothing to the peer:
// a wire CLOSE goes out only where the endpoint itself decides the close
// (id conflict, rejected initialization, Source dispose). wasReady reflects
// whether the channel had reached ready before this close.
type CloseHook func(ch *Channel, reason any, wasReady bool)

// Channel is one accepted channel at the Source endpoint.
type Channel struct {
	id          wire.ChannelID
	boundSource *source.Source
	context     any
	autoDispose bool

	mu          sync.Mutex
	ready       bool
	closed      bool
	closeReason any
	initialized bool

	bus     *eventbus.Bus
	readyCh chan struct{}

	closeHook CloseHook
	// emitOne sends a single-recipient EVENT message to this channel's peer.
	emitOne func(path, args []any) error
}

// New constructs a pending Source Channel bound to src, not yet registered
// or initialized.
func New(id wire.ChannelID, src *source.Source, ctx any, closeHook CloseHook, emitOne func(path, args []any) error) *Channel {
	return &Channel{
		id:          id,
		boundSource: src,
		context:     ctx,
		bus:         eventbus.New(nil),
		readyCh:     make(chan struct{}),
		closeHook:   closeHook,
		emitOne:     emitOne,
	}
}

// ID returns the channel id this Source Channel occupies within its link.
func (c *Channel) ID() wire.ChannelID { return c.id }

// Source returns the bound Source.
func (c *Channel) Source() *source.Source { return c.boundSource }

// Context returns the application-supplied value attached at
// initialization (e.g. carrying the transport identity).
func (c *Channel) Context() any { return c.context }

// SetAutoDispose tags this channel so that closing it disposes its bound
// Source with the same reason (spec §4.2). Must be called before the
// channel is initialized.
func (c *Channel) SetAutoDispose(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoDispose = v
}

// AutoDispose reports the current auto-dispose tag.
func (c *Channel) AutoDispose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoDispose
}

// MarkInitialized transitions the channel out of the "fresh" state exactly
// once; it returns false if already initialized, signalling the endpoint
// must reject re-initialization (spec §4.4 step 2).
func (c *Channel) MarkInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return false
	}
	c.initialized = true
	return true
}

// Initialized reports whether MarkInitialized has already succeeded.
func (c *Channel) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// MarkReady transitions the channel to ready and fires the local "ready"
// event. No-op if already closed.
func (c *Channel) MarkReady() {
	c.mu.Lock()
	if c.closed || c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	c.mu.Unlock()

	close(c.readyCh)
	c.bus.Emit(busKeyReady)
}

// Ready reports whether the channel has reached ready.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Closed reports whether the channel has closed, and the stored reason.
func (c *Channel) Closed() (bool, any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeReason
}

// Done returns a channel closed once this Source Channel becomes ready or
// closes before ever becoming ready; used to implement the "promise that
// resolves on ready and rejects on close-before-ready" contract at a level
// a caller can select on.
func (c *Channel) Done() <-chan struct{} { return c.readyCh }

// On subscribes to a built-in outer event ("ready", "error", or "close").
func (c *Channel) On(event string, fn eventbus.Listener) eventbus.Subscription {
	return c.bus.On(event, fn)
}

// Off detaches a subscription made via On.
func (c *Channel) Off(sub eventbus.Subscription) { c.bus.Off(sub) }

// Emit sends a user event to this single channel only. Returns an error if
// the channel is already closed.
func (c *Channel) Emit(path []any, args ...any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed
	}
	return c.emitOne(path, args)
}

// Close idempotently transitions the channel to closed, firing "error" iff
// it had never reached ready, then always firing "close". The CloseHook
// runs synchronously inside the first Close call so the endpoint's
// registry/Subscriber Map mutations happen before Close returns. Close does
// not send a wire CLOSE to the peer; a Close called from outside the
// endpoint leaves the peer's Channel open.
func (c *Channel) Close(reason any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasReady := c.ready
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()

	if !wasReady {
		// Unblock anything waiting on Done() before we fire observable events.
		select {
		case <-c.readyCh:
		default:
			close(c.readyCh)
		}
		c.bus.Emit(busKeyError, reason)
	}
	c.bus.Emit(busKeyClose, reason)

	if c.closeHook != nil {
		c.closeHook(c, reason, wasReady)
	}
}

type closedError struct{}

func (closedError) Error() string { return "source channel: closed" }

var errClosed = closedError{}
