package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/webitel/stateful-rpc/internal/eventbus"
	"github.com/webitel/stateful-rpc/internal/eventkey"
	"github.com/webitel/stateful-rpc/internal/wire"
)

// ErrClosed is returned by Call/Notify/CreateChannel once a Channel has
// closed, and is the rejection reason for any call still pending at close.
var ErrClosed = errors.New("channel: closed")

type pendingCall struct {
	result chan callResult
}

type callResult struct {
	value any
	err   error
}

// Channel is the Channel-side handle for one multiplexed channel: the
// remote methods proxy, the state replica, and the event router (spec
// §4.5, §3's "Channel-side Channel" row).
type Channel struct {
	id wire.ChannelID

	sendRaw    func(raw []any) error
	removeSelf func(id wire.ChannelID)
	newChildID func() wire.ChannelID
	register   func(id wire.ChannelID, ch *Channel)

	mu          sync.Mutex
	state       any
	ready       bool
	closed      bool
	closeReason any
	nextCallID  int64
	pending     map[int64]pendingCall

	bus     *eventbus.Bus
	readyCh chan struct{}
}

func newChannel(id wire.ChannelID, sendRaw func(raw []any) error, removeSelf func(wire.ChannelID), newChildID func() wire.ChannelID, register func(wire.ChannelID, *Channel)) *Channel {
	return &Channel{
		id:         id,
		sendRaw:    sendRaw,
		removeSelf: removeSelf,
		newChildID: newChildID,
		register:   register,
		pending:    make(map[int64]pendingCall),
		bus:        eventbus.New(nil),
		readyCh:    make(chan struct{}),
	}
}

// ID returns this channel's id on its link.
func (c *Channel) ID() wire.ChannelID { return c.id }

// State returns the most recently received state value.
func (c *Channel) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether at least one STATE has been received and no CLOSE
// has (spec §3).
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

// Closed reports whether the channel has closed, and its stored reason.
func (c *Channel) Closed() (bool, any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeReason
}

// Done returns a channel closed once readiness is resolved: either the
// first STATE arrives (ready) or the channel closes before one ever does
// (the "promise" of spec §3).
func (c *Channel) Done() <-chan struct{} { return c.readyCh }

// On subscribes fn under a bare event name: a built-in ("ready", "error",
// "close", "state") or a custom name with no explicit path prefix.
func (c *Channel) On(name string, fn eventbus.Listener) eventbus.Subscription {
	return c.bus.On(eventkey.CanonicalBare(name), fn)
}

// OnPath subscribes fn under an explicit event path, e.g. ["a","b","c"].
// Unlike On, a path never collides with a built-in of the same bare name:
// OnPath([]any{"state"}, fn) subscribes to a custom "state" event distinct
// from the built-in state-change notification (spec §4.6).
func (c *Channel) OnPath(path []any, fn eventbus.Listener) eventbus.Subscription {
	return c.bus.On(eventkey.Canonical(path), fn)
}

// Off detaches a subscription made via On/OnPath.
func (c *Channel) Off(sub eventbus.Subscription) { c.bus.Off(sub) }

// Call sends a CALL and blocks until the matching response arrives, ctx is
// done, or the channel closes (in which case the call is rejected with the
// close reason).
func (c *Channel) Call(ctx context.Context, path []any, args []any) (any, error) {
	c.mu.Lock()
	if c.closed {
		reason := c.closeReason
		c.mu.Unlock()
		return nil, closeErr(reason)
	}
	c.nextCallID++
	id := c.nextCallID
	result := make(chan callResult, 1)
	c.pending[id] = pendingCall{result: result}
	c.mu.Unlock()

	msg := wire.ClientMessage{Kind: wire.Call, ChannelID: c.id, ResponseKey: id, Path: path, Args: args}
	if err := c.sendRaw(msg.Encode()); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case r := <-result:
		return r.value, r.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Channel) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends a fire-and-forget NOTIFY; the return value and any
// server-side exception are discarded by design. A local send error is
// likewise swallowed (spec §4.5).
func (c *Channel) Notify(path []any, args []any) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	msg := wire.ClientMessage{Kind: wire.Notify, ChannelID: c.id, Path: path, Args: args}
	_ = c.sendRaw(msg.Encode())
}

// CreateChannel opens a nested channel bound to a new Source reached via
// path. It returns the local Channel object immediately, uninitialized;
// its readiness resolves on a future STATE or CLOSE directed at its id.
func (c *Channel) CreateChannel(path []any, args []any) (*Channel, error) {
	c.mu.Lock()
	if c.closed {
		reason := c.closeReason
		c.mu.Unlock()
		return nil, closeErr(reason)
	}
	c.mu.Unlock()

	childID := c.newChildID()
	child := newChannel(childID, c.sendRaw, c.removeSelf, c.newChildID, c.register)
	c.register(childID, child)

	msg := wire.ClientMessage{Kind: wire.Create, ChannelID: c.id, NewChannelID: childID, Path: path, Args: args}
	if err := c.sendRaw(msg.Encode()); err != nil {
		child.applyClose(err.Error())
		c.removeSelf(childID)
		return nil, err
	}
	return child, nil
}

// Close idempotently transitions to closed: sends CLOSE, fires the local
// "close" event, rejects readiness and every pending call, and removes
// this channel from the endpoint's registry.
func (c *Channel) Close(reason any) {
	if !c.applyClose(reason) {
		return
	}
	msg := wire.ClientMessage{Kind: wire.Close, ChannelID: c.id, Reason: reason}
	_ = c.sendRaw(msg.Encode())
	c.removeSelf(c.id)
}

// applyClose performs the local side of closing (idempotent) without
// sending anything on the wire or touching the registry; used both by
// Close (local-initiated) and by the endpoint dispatch loop when a server
// CLOSE or link close arrives. Returns true the first time it runs.
func (c *Channel) applyClose(reason any) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	wasReady := c.ready
	c.closed = true
	c.closeReason = reason
	pending := c.pending
	c.pending = make(map[int64]pendingCall)
	c.mu.Unlock()

	select {
	case <-c.readyCh:
	default:
		close(c.readyCh)
	}

	for _, p := range pending {
		p.result <- callResult{err: closeErr(reason)}
	}

	if !wasReady {
		c.bus.Emit("error", reason)
	}
	c.bus.Emit("close", reason)
	return true
}

// applyState handles an inbound STATE message: first STATE transitions to
// ready (firing "ready" then single-arg "state"); subsequent STATEs fire
// the two-arg "state" form (spec §4.5).
func (c *Channel) applyState(newState any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasReady := c.ready
	old := c.state
	c.state = newState
	c.ready = true
	c.mu.Unlock()

	if !wasReady {
		close(c.readyCh)
		c.bus.Emit("ready")
		c.bus.Emit("state", newState)
		return
	}
	c.bus.Emit("state", newState, old)
}

// resolveCall dispatches a RESPONSE_OK/RESPONSE_ERROR to its pending call,
// dropping unknown response keys.
func (c *Channel) resolveCall(key int64, value any, callErr any) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if callErr != nil {
		p.result <- callResult{err: remoteErr(callErr)}
		return
	}
	p.result <- callResult{value: value}
}

// dispatchEvent fans an inbound EVENT out to every listener registered
// under its canonical key, in subscription order, isolating listener
// errors (spec §8).
func (c *Channel) dispatchEvent(path []any, args []any) {
	key := eventkey.Canonical(path)
	c.bus.Emit(key, args...)
}

func closeErr(reason any) error {
	return fmt.Errorf("%w: %v", ErrClosed, reason)
}

func remoteErr(v any) error {
	return fmt.Errorf("channel: remote error: %v", v)
}
