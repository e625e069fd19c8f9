package longpoll

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/source/endpoint"
	"github.com/webitel/stateful-rpc/internal/transport"
)

// RootFactory builds the root Source for a newly opened long-poll link,
// mirroring internal/transport/ws.RootFactory.
type RootFactory func(r *http.Request) (root *source.Source, ctx any, err error)

// LinkHooks lets the caller observe a link's lifecycle, e.g. to register
// its Endpoint with a monitoring registry for as long as it stays open.
// Either field may be nil.
type LinkHooks struct {
	OnOpen  func(linkID string, ep *endpoint.Endpoint)
	OnClose func(linkID string)
}

// Handler mounts the open/send/poll routes for the long-poll transport.
type Handler struct {
	logger      *slog.Logger
	newRoot     RootFactory
	epOpts      func(*http.Request) endpoint.Options
	pollTimeout time.Duration
	idleTimeout time.Duration
	hooks       LinkHooks

	mu    sync.Mutex
	links map[string]*link
}

// NewHandler builds a Handler. idleTimeout evicts a link (firing Closed
// with reason "idle timeout") once that long has passed since the link
// opened; polls and sends do not extend it. Zero disables eviction, in
// which case OnClose is never called for that link.
// hooks may be the zero value to skip link-lifecycle notification entirely.
func NewHandler(logger *slog.Logger, newRoot RootFactory, epOpts func(*http.Request) endpoint.Options, pollTimeout, idleTimeout time.Duration, hooks LinkHooks) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Handler{
		logger:      logger,
		newRoot:     newRoot,
		epOpts:      epOpts,
		pollTimeout: pollTimeout,
		idleTimeout: idleTimeout,
		hooks:       hooks,
		links:       make(map[string]*link),
	}
}

// Routes mounts the long-poll transport's three endpoints onto r, rooted
// at prefix (e.g. "/lp").
func (h *Handler) Routes(r chi.Router, prefix string) {
	r.Post(prefix+"/open", h.open)
	r.Post(prefix+"/{id}/send", h.send)
	r.Get(prefix+"/{id}/poll", h.poll)
}

func (h *Handler) adapter(id string) transport.Adapter {
	return func(deliver transport.Deliver, closed transport.Closed) (transport.Send, error) {
		l := newLink(id, deliver, closed)
		h.mu.Lock()
		h.links[id] = l
		h.mu.Unlock()
		if h.idleTimeout > 0 {
			go h.evictOnIdle(l)
		}
		return l.send, nil
	}
}

// evictOnIdle closes l once idleTimeout has elapsed since it was opened (the
// timer is never reset by polls or sends), then removes it from the
// registry and fires OnClose — whether
// the eviction itself closed l or something else did first.
func (h *Handler) evictOnIdle(l *link) {
	timer := time.NewTimer(h.idleTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		l.close("idle timeout")
	case <-l.done:
	}

	h.mu.Lock()
	delete(h.links, l.id)
	h.mu.Unlock()
	if h.hooks.OnClose != nil {
		h.hooks.OnClose(l.id)
	}
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	root, ctx, err := h.newRoot(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id := uuid.NewString()
	opts := endpoint.Options{Context: ctx, Logger: h.logger}
	if h.epOpts != nil {
		opts = h.epOpts(r)
		opts.Context = ctx
		if opts.Logger == nil {
			opts.Logger = h.logger
		}
	}

	ep, err := endpoint.Start(h.adapter(id), root, opts)
	if err != nil {
		h.logger.Error("longpoll: source endpoint failed to start", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.hooks.OnOpen != nil {
		h.hooks.OnOpen(id, ep)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (h *Handler) getLink(r *http.Request) *link {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[id]
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	l := h.getLink(r)
	if l == nil {
		http.Error(w, "unknown link", http.StatusNotFound)
		return
	}
	var msg []any
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	l.deliverInbound(msg)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	l := h.getLink(r)
	if l == nil {
		http.Error(w, "unknown link", http.StatusNotFound)
		return
	}
	batch := l.poll(h.pollTimeout)
	if batch == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batch)
}
