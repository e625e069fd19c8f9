package registry

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/webitel/stateful-rpc/internal/eventbus"
	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/wire"
)

// Handlers are the Source endpoint's reactions to a Source's three inner
// events, invoked with the full grouped list of channel ids currently
// subscribed to that Source on this link (spec §4.4's "On Source inner
// events").
type Handlers struct {
	OnState   func(src *source.Source, ids []wire.ChannelID, newState any)
	OnMessage func(src *source.Source, ids []wire.ChannelID, path, args []any)
	// OnDispose receives the ids subscribed at dispose time; the Source
	// endpoint's OnDispose fans out local teardown (registry removal,
	// auto-dispose) concurrently through FanClose.
	OnDispose func(src *source.Source, ids []wire.ChannelID, reason any)
}

type entry struct {
	ids  []wire.ChannelID
	subs [3]eventbus.Subscription
}

// SubscriberMap tracks, per Source, the ordered list of channel ids
// currently subscribed to it on one link, and owns attaching/detaching that
// Source's inner "message"/"state"/"dispose" listeners exactly once per
// Source per link (spec §3 invariant).
type SubscriberMap struct {
	mu      sync.Mutex
	entries map[sourceKey]*entry
}

// NewSubscriberMap constructs an empty map.
func NewSubscriberMap() *SubscriberMap {
	return &SubscriberMap{entries: make(map[sourceKey]*entry)}
}

// Add appends id to src's subscriber list. If this is the first subscriber
// for src on this link, it attaches the three listeners described by h.
func (m *SubscriberMap) Add(src *source.Source, id wire.ChannelID, h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[src]
	if !ok {
		e = &entry{}
		e.subs[0] = src.Bus().On("state", func(args ...any) {
			newState := args[0]
			ids := m.snapshot(src)
			if len(ids) > 0 && h.OnState != nil {
				h.OnState(src, ids, newState)
			}
		})
		e.subs[1] = src.Bus().On("message", func(args ...any) {
			path, _ := args[0].([]any)
			argv, _ := args[1].([]any)
			ids := m.snapshot(src)
			if len(ids) > 0 && h.OnMessage != nil {
				h.OnMessage(src, ids, path, argv)
			}
		})
		e.subs[2] = src.Bus().On("dispose", func(args ...any) {
			reason := args[0]
			ids, ok := m.takeAndDetach(src)
			if ok && len(ids) > 0 && h.OnDispose != nil {
				h.OnDispose(src, ids, reason)
			}
		})
		m.entries[src] = e
	}
	e.ids = append(e.ids, id)
}

// snapshot returns a defensive copy of the current subscriber list for src.
func (m *SubscriberMap) snapshot(src *source.Source) []wire.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[src]
	if !ok {
		return nil
	}
	out := make([]wire.ChannelID, len(e.ids))
	copy(out, e.ids)
	return out
}

// Remove deletes id from src's subscriber list. If the list becomes empty,
// the three listeners are detached and the entry removed, returning true.
func (m *SubscriberMap) Remove(src *source.Source, id wire.ChannelID) (detached bool) {
	m.mu.Lock()
	e, ok := m.entries[src]
	if !ok {
		m.mu.Unlock()
		return false
	}
	for i, existing := range e.ids {
		if existing == id {
			e.ids = append(e.ids[:i], e.ids[i+1:]...)
			break
		}
	}
	empty := len(e.ids) == 0
	if empty {
		delete(m.entries, src)
	}
	m.mu.Unlock()

	if empty {
		src.Bus().Off(e.subs[0])
		src.Bus().Off(e.subs[1])
		src.Bus().Off(e.subs[2])
		return true
	}
	return false
}

// takeAndDetach atomically removes src's entire entry (used on dispose) and
// detaches its listeners, returning the final id list.
func (m *SubscriberMap) takeAndDetach(src *source.Source) ([]wire.ChannelID, bool) {
	m.mu.Lock()
	e, ok := m.entries[src]
	if ok {
		delete(m.entries, src)
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	src.Bus().Off(e.subs[0])
	src.Bus().Off(e.subs[1])
	src.Bus().Off(e.subs[2])
	return e.ids, true
}

// FanClose runs fn(id) for every id concurrently and waits for all of them;
// used by the endpoint to tear down many per-channel Source Channel objects
// (registry removal, auto-dispose propagation) after a dispose broadcast
// without serializing on the slowest one.
func FanClose(ids []wire.ChannelID, fn func(wire.ChannelID)) {
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			fn(id)
			return nil
		})
	}
	_ = g.Wait()
}

// HasSubscribers reports whether src currently has at least one subscriber
// on this link.
func (m *SubscriberMap) HasSubscribers(src *source.Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[src]
	return ok && len(e.ids) > 0
}

// SourceSnapshot is a point-in-time, read-only view of one Source's
// subscriber list, for internal/monitor.
type SourceSnapshot struct {
	Source *source.Source
	IDs    []wire.ChannelID
}

// Snapshot returns a defensive copy of every tracked Source and its current
// subscriber list.
func (m *SubscriberMap) Snapshot() []SourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceSnapshot, 0, len(m.entries))
	for src, e := range m.entries {
		ids := make([]wire.ChannelID, len(e.ids))
		copy(ids, e.ids)
		out = append(out, SourceSnapshot{Source: src, IDs: ids})
	}
	return out
}
