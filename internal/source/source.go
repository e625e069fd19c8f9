// Package source implements the Source half of the protocol: the
// user-facing object that hosts remotely callable procedures, a replicated
// state value, and a hierarchical event bus (spec §4.1).
package source

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/webitel/stateful-rpc/internal/eventbus"
)

// ErrDisposed is returned by Emit/SetState once a Source has been disposed.
var ErrDisposed = errors.New("source: disposed")

// ErrEmptyPath is returned by Emit when the event path has no segments.
var ErrEmptyPath = errors.New("source: empty event path")

const (
	busKeyMessage = "message"
	busKeyState   = "state"
	busKeyDispose = "dispose"
)

// Handler is the one indirection a Source holds: given the accepting
// Channel, the resolved path, the call arguments, and whether this
// invocation is for a new nested channel, it produces a Result or an error.
//
// Handlers that need to suspend on external I/O simply block; the Source
// endpoint always invokes Handler from its own goroutine per call so a
// blocking Handler never stalls the dispatch loop for other channels.
type Handler func(ch HandlerChannel, path []any, args []any, isNew bool) (Result, error)

// HandlerChannel is the subset of the Source Channel a Handler is allowed to
// observe: its context value and whether it has already closed. The
// concrete *channel.Channel type (package source/channel) satisfies this.
type HandlerChannel interface {
	Context() any
	Closed() (bool, any)
}

// ResultKind discriminates the polymorphic value a Handler may return (see
// spec §9, "Handler return polymorphism").
type ResultKind int

const (
	// ResultValue is a plain call/notify return value.
	ResultValue ResultKind = iota
	// ResultSource means the handler produced a brand-new Source to back a
	// nested channel (valid only when isNew was true).
	ResultSource
	// ResultChannel means the handler produced an already-constructed,
	// not-yet-initialized Source Channel to back a nested channel.
	ResultChannel
)

// Result is the tagged return value of a Handler.
type Result struct {
	Kind    ResultKind
	Value   any
	Source  *Source
	Channel ChannelLike
	// AutoDispose tags a ResultSource produced by a constructor opted into
	// auto-dispose (spec §4.2/§4.7): the Source Channel the endpoint builds
	// from it should be marked AutoDispose before initialization.
	AutoDispose bool
}

// ChannelLike is implemented by *channel.Channel; kept as an interface here
// to avoid an import cycle between source and the channel subpackage.
type ChannelLike interface {
	HandlerChannel
	MarkInitialized() bool
}

// ValueResult wraps a plain value as a Result.
func ValueResult(v any) Result { return Result{Kind: ResultValue, Value: v} }

// SourceResult wraps a freshly constructed Source as a Result.
func SourceResult(s *Source) Result { return Result{Kind: ResultSource, Source: s} }

// ChannelResult wraps a pre-built Source Channel as a Result.
func ChannelResult(c ChannelLike) Result { return Result{Kind: ResultChannel, Channel: c} }

// Source hosts application methods, a replicated state value, and an event
// hub fanned out to every channel subscribed to it across every link. One
// Source instance may back channels on many independent links at once.
type Source struct {
	Handler Handler

	mu            sync.RWMutex
	state         any
	disposed      bool
	disposeReason any
	exportKey     string
	exportable    bool

	// bus carries the three inner events consumed by a Source endpoint's
	// Subscriber Map: "message" (path, args), "state" (newState), and
	// "dispose" (reason). Reserved but never emitted: "channel" (see §9,
	// open question inherited from the reference).
	bus *eventbus.Bus
}

// New constructs a Source with the given handler and initial state.
func New(handler Handler, initialState any) *Source {
	return &Source{
		Handler: handler,
		state:   initialState,
		bus:     eventbus.New(nil),
	}
}

// Bus exposes the inner event hub to a Source endpoint's Subscriber Map.
// Not part of the public application-facing API.
func (s *Source) Bus() *eventbus.Bus { return s.bus }

// SetExportable tags a Source for republishing onto the AMQP export bridge
// (internal/adapter/export): every state change and user event fanned out
// after this call carries routingKey for the export bridge, which attaches
// its listener when a Source endpoint creates a channel bound to this
// Source. This is purely additive bookkeeping; a Source that
// never calls SetExportable behaves exactly as spec.md describes it.
func (s *Source) SetExportable(routingKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exportable = true
	s.exportKey = routingKey
}

// Exportable reports whether this Source was tagged via SetExportable, and
// its routing key.
func (s *Source) Exportable() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exportable, s.exportKey
}

// State returns the current state value.
func (s *Source) State() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Disposed reports whether the Source has been disposed, and the stored
// reason if so.
func (s *Source) Disposed() (bool, any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed, s.disposeReason
}

// Emit broadcasts a user event to every live subscriber across every link.
// path must be a non-empty sequence of string/number segments (spec §4.1).
func (s *Source) Emit(path []any, args ...any) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	s.mu.RLock()
	disposed := s.disposed
	s.mu.RUnlock()
	if disposed {
		return ErrDisposed
	}
	s.bus.Emit(busKeyMessage, path, args)
	return nil
}

// SetState assigns a new state value, or applies fn(oldState) if newOrFn is
// a function of shape func(any) any. If the resulting value is
// reference-equal to the prior value, no notification is sent.
func (s *Source) SetState(newOrFn any) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	old := s.state
	next := resolveState(newOrFn, old)
	changed := !referenceEqual(old, next)
	if changed {
		s.state = next
	}
	s.mu.Unlock()

	if changed {
		s.bus.Emit(busKeyState, next)
	}
	return nil
}

// Dispose idempotently marks the Source disposed, stores reason, and
// broadcasts it to every subscriber across every link.
func (s *Source) Dispose(reason any) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.disposeReason = reason
	s.mu.Unlock()

	s.bus.Emit(busKeyDispose, reason)
}

func resolveState(newOrFn any, old any) any {
	if fn, ok := newOrFn.(func(any) any); ok {
		return fn(old)
	}
	// Support the common concrete-typed functional form via reflection, so
	// callers can pass e.g. func(string) string without boxing manually.
	if rv := reflect.ValueOf(newOrFn); rv.Kind() == reflect.Func {
		t := rv.Type()
		if t.NumIn() == 1 && t.NumOut() == 1 {
			in := reflect.ValueOf(old)
			if !in.IsValid() {
				in = reflect.Zero(t.In(0))
			}
			if in.Type().AssignableTo(t.In(0)) {
				out := rv.Call([]reflect.Value{in})
				return out[0].Interface()
			}
		}
	}
	return newOrFn
}

// referenceEqual mirrors the reference implementation's "reference
// equality" check for state no-op detection: pointers/maps/slices/chans/
// funcs compare by identity, everything else by ==.
func referenceEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Type() != bv.Type() {
		return false
	}
	switch av.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return av.Pointer() == bv.Pointer()
	case reflect.Slice:
		return av.Pointer() == bv.Pointer() && av.Len() == bv.Len()
	default:
		if !av.Comparable() {
			return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
		}
		return a == b
	}
}
