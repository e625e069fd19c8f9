// Package http exposes a monitor.Registry as read-only JSON endpoints,
// routed with chi the way the teacher's WebSocket upgrade route is.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/stateful-rpc/internal/monitor"
)

// Routes mounts GET /links and GET /links/{id}/channels onto r.
func Routes(r chi.Router, reg *monitor.Registry) {
	r.Get("/links", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, reg.Snapshot())
	})
	r.Get("/links/{id}/channels", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		for _, link := range reg.Snapshot() {
			if link.LinkID == id {
				writeJSON(w, link.ChannelIDs)
				return
			}
		}
		http.Error(w, "unknown link", http.StatusNotFound)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
