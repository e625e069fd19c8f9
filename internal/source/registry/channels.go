// Package registry implements the per-link bookkeeping a Source endpoint
// owns: the Channel Registry (channelId -> Source Channel) and the
// Subscriber Map (Source -> ordered channel ids), per spec §3-§4.4.
//
// Both structures are plain maps guarded by a mutex: the Channel Registry
// uses a sync.RWMutex so lookups take only the read lock.
package registry

import (
	"sync"

	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/wire"
)

// ChannelEntry is the minimal surface the registry needs from a Source
// Channel; the concrete *channel.Channel (in package source/channel)
// satisfies it. Defined here, rather than importing that package, to avoid
// a cycle (channel imports source; registry must stay below both).
type ChannelEntry interface {
	ID() wire.ChannelID
	Close(reason any)
}

// ChannelRegistry is the per-link channelId -> Source Channel lookup.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[wire.ChannelID]ChannelEntry
}

// NewChannelRegistry constructs an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[wire.ChannelID]ChannelEntry)}
}

// Get returns the channel registered under id, if any.
func (r *ChannelRegistry) Get(id wire.ChannelID) (ChannelEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Len reports the number of live channels.
func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Insert registers ch under id. It does not check for conflicts; the caller
// (the Source endpoint) is responsible for evicting a prior occupant first,
// per the channel-id-conflict rule in spec §4.4 step 3.
func (r *ChannelRegistry) Insert(id wire.ChannelID, ch ChannelEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[id] = ch
}

// Delete removes id from the registry if present, reporting whether it was
// present.
func (r *ChannelRegistry) Delete(id wire.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; !ok {
		return false
	}
	delete(r.channels, id)
	return true
}

// Snapshot returns every live channel id, for read-only introspection
// (internal/monitor). The order is unspecified.
func (r *ChannelRegistry) Snapshot() []wire.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.ChannelID, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	return out
}

// CloseAll closes every registered channel with reason and empties the
// registry; used on link close.
func (r *ChannelRegistry) CloseAll(reason any) {
	r.mu.Lock()
	all := make([]ChannelEntry, 0, len(r.channels))
	for _, ch := range r.channels {
		all = append(all, ch)
	}
	r.channels = make(map[wire.ChannelID]ChannelEntry)
	r.mu.Unlock()

	for _, ch := range all {
		ch.Close(reason)
	}
}

// sourceKey lets *source.Source serve as a comparable map key explicitly,
// documenting that identity (not value) is what the Subscriber Map keys on.
type sourceKey = *source.Source
