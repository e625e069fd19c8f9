// Package endpoint implements the Source endpoint: the dispatcher that
// decodes inbound client messages, owns the per-link Channel Registry and
// Subscriber Map, invokes the handler, and fans state/event/close messages
// out to subscribers (spec §4.3-§4.4).
package endpoint

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sony/gobreaker"

	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/source/channel"
	"github.com/webitel/stateful-rpc/internal/source/registry"
	"github.com/webitel/stateful-rpc/internal/transport"
	"github.com/webitel/stateful-rpc/internal/wire"
)

// Reasons used for protocol-level closes, matching spec §7's vocabulary.
const (
	ReasonWrongChannel      = "wrong channel"
	ReasonChannelsLimit     = "channels limit"
	ReasonChannelIDConflict = "channel id conflict"
	ReasonWrongDataType     = "wrong data type"
	ReasonParseError        = "parse error"
	ReasonStateParseError   = "state parse error"
)

// CreateHook is invoked for every Source Channel the endpoint creates
// (root or nested), receiving the new channel and its parent, if any. It is
// the audit/policy extension point named in spec §4.3.
type CreateHook func(ch *channel.Channel, parent *channel.Channel)

// Options configures a Source endpoint (spec §6.3).
type Options struct {
	// MaxChannelsPerClient caps live channels on this link; zero means
	// unbounded.
	MaxChannelsPerClient int
	// Context is attached to every Source Channel opened on this link.
	Context any
	// OnCreateChannel is called for every newly created Source Channel.
	OnCreateChannel CreateHook
	// CallBreakerSettings, if non-nil, trips a circuit breaker per Source
	// after repeated handler failures (CALL, NOTIFY and CREATE all go
	// through it), shedding further invocations instead of letting them
	// queue against a wedged handler.
	CallBreakerSettings *gobreaker.Settings

	Logger *slog.Logger
}

// Endpoint is one Source endpoint bound to one link.
type Endpoint struct {
	logger *slog.Logger
	root   *source.Source
	opts   Options

	channels *registry.ChannelRegistry
	subs     *registry.SubscriberMap

	sendMu    sync.Mutex
	send      transport.Send
	sendReady bool
	queue     [][]any

	closed int32

	breakers sync.Map // *source.Source -> *gobreaker.CircuitBreaker
}

// Start constructs a Source endpoint bound to root and engages adapter.
// Outbound messages issued before adapter returns its send function are
// queued and flushed in order once it does (spec §4.3).
func Start(adapter transport.Adapter, root *source.Source, opts Options) (*Endpoint, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ep := &Endpoint{
		logger:   opts.Logger,
		root:     root,
		opts:     opts,
		channels: registry.NewChannelRegistry(),
		subs:     registry.NewSubscriberMap(),
	}

	send, err := adapter(ep.onMessage, ep.onClose)
	if err != nil {
		return nil, fmt.Errorf("source endpoint: adapter start: %w", err)
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

	return ep, nil
}

func (ep *Endpoint) handlersFor() registry.Handlers {
	return registry.Handlers{
		OnState: func(src *source.Source, ids []wire.ChannelID, newState any) {
			ep.sendRaw(wire.SourceMessage{Kind: wire.State, Destinations: ids, State: newState}.Encode())
		},
		OnMessage: func(src *source.Source, ids []wire.ChannelID, path, args []any) {
			ep.sendRaw(wire.SourceMessage{Kind: wire.Event, Destinations: ids, Path: path, Args: args}.Encode())
		},
		OnDispose: func(src *source.Source, ids []wire.ChannelID, reason any) {
			ep.sendRaw(wire.SourceMessage{Kind: wire.CloseSrc, Destinations: ids, Reason: reason}.Encode())
			registry.FanClose(ids, func(id wire.ChannelID) {
				if entry, ok := ep.channels.Get(id); ok {
					entry.Close(reason)
				}
			})
		},
	}
}

// sendRaw queues/sends a raw outbound message, unless the link has closed.
// A send failure (e.g. a non-serializable value) is retried once with a
// sentinel error value per spec §7; a second failure is dropped silently.
func (ep *Endpoint) sendRaw(raw []any) {
	if atomic.LoadInt32(&ep.closed) != 0 {
		return
	}
	ep.sendMu.Lock()
	if !ep.sendReady {
		ep.queue = append(ep.queue, raw)
		ep.sendMu.Unlock()
		return
	}
	send := ep.send
	ep.sendMu.Unlock()

	if err := send(raw); err != nil {
		ep.logger.Warn("source endpoint: send failed, retrying with sentinel", "error", err)
		sentinel := sentinelFor(raw)
		if sentinel != nil {
			if err2 := send(sentinel); err2 != nil {
				ep.logger.Error("source endpoint: sentinel send also failed, dropping", "error", err2)
			}
		}
	}
}

// sentinelFor rebuilds a best-effort replacement message carrying a parse
// error sentinel instead of the value that failed to serialize.
func sentinelFor(raw []any) []any {
	if len(raw) < 2 {
		return nil
	}
	action, ok := raw[1].(int)
	if !ok {
		return nil
	}
	switch wire.SourceAction(action) {
	case wire.State:
		out := append([]any(nil), raw[:2]...)
		return append(out, ReasonStateParseError)
	case wire.ResponseOK, wire.ResponseError:
		if len(raw) < 3 {
			return nil
		}
		return []any{raw[0], int(wire.ResponseError), raw[2], ReasonParseError}
	}
	return nil
}

// onClose is the transport's terminal-close callback: every channel on
// this link closes with reason, and further sends/receives become inert.
func (ep *Endpoint) onClose(reason any) {
	if !atomic.CompareAndSwapInt32(&ep.closed, 0, 1) {
		return
	}
	ep.channels.CloseAll(reason)
}

// onMessage is the transport's inbound-message callback.
func (ep *Endpoint) onMessage(raw []any) {
	if atomic.LoadInt32(&ep.closed) != 0 {
		return
	}
	msg, init, isInit, ok := wire.DecodeClient(raw)
	if isInit {
		ep.openRootChannel(init.ChannelID)
		return
	}
	if !ok {
		return
	}

	entry, found := ep.channels.Get(msg.ChannelID)
	if !found {
		ep.sendRaw(wire.SourceMessage{Kind: wire.CloseSrc, Destinations: []wire.ChannelID{msg.ChannelID}, Reason: ReasonWrongChannel}.Encode())
		if msg.Kind == wire.Create {
			ep.sendRaw(wire.SourceMessage{Kind: wire.CloseSrc, Destinations: []wire.ChannelID{msg.NewChannelID}, Reason: ReasonWrongChannel}.Encode())
		}
		return
	}
	ch, ok := entry.(*channel.Channel)
	if !ok {
		return
	}

	switch msg.Kind {
	case wire.Call:
		go ep.handleCall(ch, msg)
	case wire.Notify:
		go ep.handleNotify(ch, msg)
	case wire.Close:
		ep.channels.Delete(ch.ID())
		ch.Close(msg.Reason)
	case wire.Create:
		go ep.handleCreate(ch, msg)
	}
}

func (ep *Endpoint) handleCall(ch *channel.Channel, msg wire.ClientMessage) {
	result, err := ep.invokeHandler(ch, msg.Path, msg.Args, false)
	if closed, _ := ch.Closed(); closed {
		return
	}
	if err != nil {
		ep.sendRaw(wire.SourceMessage{Kind: wire.ResponseError, Destinations: []wire.ChannelID{ch.ID()}, ResponseKey: msg.ResponseKey, Err: errString(err)}.Encode())
		return
	}
	if result.Kind != source.ResultValue {
		ep.sendRaw(wire.SourceMessage{Kind: wire.ResponseError, Destinations: []wire.ChannelID{ch.ID()}, ResponseKey: msg.ResponseKey, Err: ReasonWrongDataType}.Encode())
		return
	}
	ep.sendRaw(wire.SourceMessage{Kind: wire.ResponseOK, Destinations: []wire.ChannelID{ch.ID()}, ResponseKey: msg.ResponseKey, Value: result.Value}.Encode())
}

func (ep *Endpoint) handleNotify(ch *channel.Channel, msg wire.ClientMessage) {
	_, _ = ep.invokeHandler(ch, msg.Path, msg.Args, false)
}

func (ep *Endpoint) handleCreate(parent *channel.Channel, msg wire.ClientMessage) {
	result, err := ep.invokeHandler(parent, msg.Path, msg.Args, true)
	if err != nil {
		ep.sendRaw(wire.SourceMessage{Kind: wire.CloseSrc, Destinations: []wire.ChannelID{msg.NewChannelID}, Reason: errString(err)}.Encode())
		return
	}

	var newChannel *channel.Channel
	switch result.Kind {
	case source.ResultSource:
		newChannel = channel.New(msg.NewChannelID, result.Source, ep.opts.Context, ep.closeHook, ep.emitOneFn(msg.NewChannelID))
		newChannel.SetAutoDispose(result.AutoDispose)
	case source.ResultChannel:
		nc, ok := result.Channel.(*channel.Channel)
		if !ok || nc.Initialized() {
			ep.sendRaw(wire.SourceMessage{Kind: wire.CloseSrc, Destinations: []wire.ChannelID{msg.NewChannelID}, Reason: ReasonWrongDataType}.Encode())
			return
		}
		newChannel = nc
	default:
		ep.sendRaw(wire.SourceMessage{Kind: wire.CloseSrc, Destinations: []wire.ChannelID{msg.NewChannelID}, Reason: ReasonWrongDataType}.Encode())
		return
	}

	if ep.opts.OnCreateChannel != nil {
		ep.opts.OnCreateChannel(newChannel, parent)
	}
	ep.initializeChannel(newChannel)
}

// invokeHandler runs the Source's handler, optionally gated by a circuit
// breaker so a wedged handler can't indefinitely back up CALL/CREATE
// traffic for its Source.
func (ep *Endpoint) invokeHandler(ch *channel.Channel, path, args []any, isNew bool) (source.Result, error) {
	src := ch.Source()
	run := func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				ep.logger.Error("source endpoint: handler panicked", "recover", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return src.Handler(ch, path, args, isNew)
	}

	if ep.opts.CallBreakerSettings == nil {
		v, err := run()
		r, _ := v.(source.Result)
		return r, err
	}

	cb := ep.breakerFor(src)
	v, err := cb.Execute(run)
	r, _ := v.(source.Result)
	return r, err
}

func (ep *Endpoint) breakerFor(src *source.Source) *gobreaker.CircuitBreaker {
	if v, ok := ep.breakers.Load(src); ok {
		return v.(*gobreaker.CircuitBreaker)
	}
	settings := *ep.opts.CallBreakerSettings
	cb := gobreaker.NewCircuitBreaker(settings)
	actual, _ := ep.breakers.LoadOrStore(src, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (ep *Endpoint) emitOneFn(id wire.ChannelID) func(path, args []any) error {
	return func(path, args []any) error {
		ep.sendRaw(wire.SourceMessage{Kind: wire.Event, Destinations: []wire.ChannelID{id}, Path: path, Args: args}.Encode())
		return nil
	}
}

// closeHook is shared by every Source Channel this endpoint creates: it
// performs the local bookkeeping side of a close (subscriber-list removal,
// registry removal, auto-dispose cascade). Peer notification is the
// responsibility of the call site that decided the close, per spec §4.4.
func (ep *Endpoint) closeHook(ch *channel.Channel, reason any, wasReady bool) {
	if cur, ok := ep.channels.Get(ch.ID()); !ok || cur == ch {
		ep.subs.Remove(ch.Source(), ch.ID())
		ep.channels.Delete(ch.ID())
	}
	if ch.AutoDispose() {
		ch.Source().Dispose(reason)
	}
}

func (ep *Endpoint) openRootChannel(id wire.ChannelID) {
	ch := channel.New(id, ep.root, ep.opts.Context, ep.closeHook, ep.emitOneFn(id))
	if ep.opts.OnCreateChannel != nil {
		ep.opts.OnCreateChannel(ch, nil)
	}
	ep.initializeChannel(ch)
}

// initializeChannel runs the seven-step sequence of spec §4.4.
func (ep *Endpoint) initializeChannel(ch *channel.Channel) {
	id := ch.ID()

	// Step 1: channel limit.
	if ep.opts.MaxChannelsPerClient > 0 && ep.channels.Len() >= ep.opts.MaxChannelsPerClient {
		ep.rejectInit(ch, ReasonChannelsLimit)
		return
	}

	// Step 2: already initialized.
	if !ch.MarkInitialized() {
		return
	}

	// Step 3: id conflict evicts the prior occupant.
	if prior, ok := ep.channels.Get(id); ok {
		ep.sendRaw(wire.SourceMessage{Kind: wire.CloseSrc, Destinations: []wire.ChannelID{id}, Reason: ReasonChannelIDConflict}.Encode())
		prior.Close(ReasonChannelIDConflict)
		ep.rejectInit(ch, ReasonChannelIDConflict)
		return
	}

	// Step 4: disposed Source.
	if disposed, reason := ch.Source().Disposed(); disposed {
		ep.rejectInit(ch, reason)
		return
	}

	// Step 5: subscribe + register.
	ep.subs.Add(ch.Source(), id, ep.handlersFor())
	ep.channels.Insert(id, ch)

	// Step 6: initial STATE.
	ep.sendRaw(wire.SourceMessage{Kind: wire.State, Destinations: []wire.ChannelID{id}, State: ch.Source().State()}.Encode())

	// Step 7: ready.
	ch.MarkReady()
}

// rejectInit sends CLOSE(reason) to the not-yet-registered channel and
// closes it locally; it was never inserted, so closeHook leaves the
// registry and Subscriber Map untouched for its id, even when another live
// channel holds that id.
func (ep *Endpoint) rejectInit(ch *channel.Channel, reason any) {
	ep.sendRaw(wire.SourceMessage{Kind: wire.CloseSrc, Destinations: []wire.ChannelID{ch.ID()}, Reason: reason}.Encode())
	ch.Close(reason)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Channels exposes the live Channel Registry for the monitor surface
// (read-only; spec's §5 single-dispatch-loop ownership rule forbids any
// observer mutating it).
func (ep *Endpoint) Channels() *registry.ChannelRegistry { return ep.channels }

// Subscribers exposes the live Subscriber Map for the monitor surface.
func (ep *Endpoint) Subscribers() *registry.SubscriberMap { return ep.subs }
