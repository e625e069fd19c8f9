// Package client implements the Channel endpoint: the client-side driver
// that owns the per-link channel registry, matches call responses,
// dispatches state/event updates, and exposes the root Channel (spec
// §4.5).
package client

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webitel/stateful-rpc/internal/client/idgen"
	"github.com/webitel/stateful-rpc/internal/transport"
	"github.com/webitel/stateful-rpc/internal/wire"
)

// Options configures a Channel endpoint (spec §6.3).
type Options struct {
	// GetNextChannelID generates each fresh channel id; defaults to
	// idgen.Random16.
	GetNextChannelID idgen.Func
	// ConnectionTimeout bounds how long the root channel may stay pending
	// before it is closed locally with reason "timeout". Zero disables it.
	ConnectionTimeout time.Duration

	Logger *slog.Logger
}

// Endpoint is one Channel endpoint bound to one link.
type Endpoint struct {
	logger *slog.Logger
	idGen  idgen.Func

	mu       sync.Mutex
	channels map[wire.ChannelID]*Channel

	sendMu    sync.Mutex
	send      transport.Send
	sendReady bool
	queue     [][]any

	closed int32
	root   *Channel
}

// Start engages adapter, allocates a root channel id, sends the Initialize
// message, and arms the connection timeout if configured.
func Start(adapter transport.Adapter, opts Options) (*Endpoint, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GetNextChannelID == nil {
		opts.GetNextChannelID = idgen.Random16
	}

	ep := &Endpoint{
		logger:   opts.Logger,
		idGen:    opts.GetNextChannelID,
		channels: make(map[wire.ChannelID]*Channel),
	}

	rootID := ep.idGen()
	root := newChannel(rootID, ep.sendRaw, ep.removeChannel, ep.idGen, ep.register)
	ep.register(rootID, root)
	ep.root = root

	send, err := adapter(ep.onMessage, ep.onClose)
	if err != nil {
		return nil, fmt.Errorf("channel endpoint: adapter start: %w", err)
	}

	ep.sendMu.Lock()
	ep.send = send
	ep.sendReady = true
	pending := ep.queue
	ep.queue = nil
	ep.sendMu.Unlock()

	for _, raw := range pending {
		_ = send(raw)
	}

	ep.sendRaw(wire.EncodeInitialize(rootID))

	if opts.ConnectionTimeout > 0 {
		timer := time.AfterFunc(opts.ConnectionTimeout, func() {
			if !root.Ready() {
				root.applyClose("timeout")
				ep.removeChannel(rootID)
			}
		})
		go func() {
			<-root.Done()
			timer.Stop()
		}()
	}

	return ep, nil
}

// Root returns the root Channel this endpoint opened.
func (ep *Endpoint) Root() *Channel { return ep.root }

func (ep *Endpoint) register(id wire.ChannelID, ch *Channel) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.channels[id] = ch
}

func (ep *Endpoint) removeChannel(id wire.ChannelID) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.channels, id)
}

func (ep *Endpoint) get(id wire.ChannelID) (*Channel, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ch, ok := ep.channels[id]
	return ch, ok
}

func (ep *Endpoint) sendRaw(raw []any) error {
	if atomic.LoadInt32(&ep.closed) != 0 {
		return fmt.Errorf("channel endpoint: link closed")
	}
	ep.sendMu.Lock()
	if !ep.sendReady {
		ep.queue = append(ep.queue, raw)
		ep.sendMu.Unlock()
		return nil
	}
	send := ep.send
	ep.sendMu.Unlock()
	return send(raw)
}

// onClose is the transport's terminal-close callback.
func (ep *Endpoint) onClose(reason any) {
	if !atomic.CompareAndSwapInt32(&ep.closed, 0, 1) {
		return
	}
	ep.mu.Lock()
	all := make([]*Channel, 0, len(ep.channels))
	for _, ch := range ep.channels {
		all = append(all, ch)
	}
	ep.channels = make(map[wire.ChannelID]*Channel)
	ep.mu.Unlock()

	for _, ch := range all {
		ch.applyClose(reason)
	}
}

// onMessage is the transport's inbound-message callback.
func (ep *Endpoint) onMessage(raw []any) {
	if atomic.LoadInt32(&ep.closed) != 0 {
		return
	}
	msg, ok := wire.DecodeSource(raw)
	if !ok {
		return
	}
	for _, id := range msg.Destinations {
		ch, found := ep.get(id)
		if !found {
			continue
		}
		switch msg.Kind {
		case wire.ResponseOK:
			ch.resolveCall(msg.ResponseKey, msg.Value, nil)
		case wire.ResponseError:
			ch.resolveCall(msg.ResponseKey, nil, msg.Err)
		case wire.State:
			ch.applyState(msg.State)
		case wire.CloseSrc:
			ch.applyClose(msg.Reason)
			ep.removeChannel(id)
		case wire.Event:
			ch.dispatchEvent(msg.Path, msg.Args)
		}
	}
}

// Close closes every channel on this link locally with reason, without
// necessarily tearing down the transport; used for local shutdown distinct
// from a transport-signalled onClose.
func (ep *Endpoint) Close(reason any) {
	ep.onClose(reason)
}
