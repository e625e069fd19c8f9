// Package monitor exposes a running process's Source endpoints read-only,
// for the JSON (internal/monitor/http) and terminal (internal/monitor/tui)
// views described in SPEC_FULL.md's "Monitor surface". Neither view is
// permitted to mutate anything it observes (spec §5's single-dispatch-loop
// ownership rule).
package monitor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/webitel/stateful-rpc/internal/source/endpoint"
)

// Registry tracks every live Source endpoint in this process, keyed by an
// operator-facing link id (e.g. remote address, session id).
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint.Endpoint
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*endpoint.Endpoint)}
}

// Add registers ep under linkID. Callers typically do this right after
// endpoint.Start returns and remove it again once the link's onClose has
// fired.
func (r *Registry) Add(linkID string, ep *endpoint.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[linkID] = ep
}

// Remove deregisters linkID.
func (r *Registry) Remove(linkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, linkID)
}

// LinkSnapshot is a read-only view of one link's Source endpoint.
type LinkSnapshot struct {
	LinkID       string
	ChannelCount int
	ChannelIDs   []string
	SourceCount  int
}

// Snapshot returns a stable-ordered view of every tracked link.
func (r *Registry) Snapshot() []LinkSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LinkSnapshot, 0, len(r.endpoints))
	for linkID, ep := range r.endpoints {
		ids := ep.Channels().Snapshot()
		strIDs := make([]string, len(ids))
		for i, id := range ids {
			strIDs[i] = string(id)
		}
		out = append(out, LinkSnapshot{
			LinkID:       linkID,
			ChannelCount: len(strIDs),
			ChannelIDs:   strIDs,
			SourceCount:  len(ep.Subscribers().Snapshot()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkID < out[j].LinkID })
	return out
}

// Rows renders Snapshot as internal/monitor/tui table rows, satisfying
// tui.RowSource for an in-process dashboard.
func (r *Registry) Rows() [][]string {
	snap := r.Snapshot()
	rows := make([][]string, 0, len(snap))
	for _, link := range snap {
		rows = append(rows, []string{link.LinkID, fmt.Sprintf("%d", link.ChannelCount), fmt.Sprintf("%d", link.SourceCount)})
	}
	return rows
}
