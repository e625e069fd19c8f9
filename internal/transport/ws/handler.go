package ws

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/source/endpoint"
	"github.com/webitel/stateful-rpc/internal/transport"
)

// RootFactory builds the root Source for a newly accepted link. ctx is
// whatever the caller's middleware stashed on the request (identity,
// tenant, ...); it becomes the Context every Channel opened on that link
// carries (spec §4.4).
type RootFactory func(r *http.Request) (root *source.Source, ctx any, err error)

// LinkHooks lets the caller observe a link's lifecycle, e.g. to register
// its Endpoint with a monitoring registry for as long as it stays open.
// Either field may be nil.
type LinkHooks struct {
	OnOpen  func(linkID string, ep *endpoint.Endpoint)
	OnClose func(linkID string)
}

// Handler upgrades incoming requests to WebSocket connections and starts a
// Source endpoint over each one, mirroring the connect/subscribe/pump
// shape of a conventional chi WebSocket route.
type Handler struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	newRoot  RootFactory
	wsConfig Config
	epOpts   func(*http.Request) endpoint.Options
	hooks    LinkHooks
}

// NewHandler builds a Handler. epOpts lets the caller vary per-link Source
// endpoint options (channel limits, create hooks, breaker settings) by
// request; it may be nil to use the zero value every time. hooks may be
// the zero value to skip link-lifecycle notification entirely.
func NewHandler(logger *slog.Logger, newRoot RootFactory, wsConfig Config, epOpts func(*http.Request) endpoint.Options, hooks LinkHooks) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		newRoot: newRoot,
		wsConfig: Config{
			WriteQueue:   wsConfig.WriteQueue,
			PongWait:     wsConfig.PongWait,
			PingInterval: wsConfig.PingInterval,
			Logger:       logger,
		},
		epOpts: epOpts,
		hooks:  hooks,
		upgrader: websocket.Upgrader{
			// Origin policy belongs to the caller's reverse proxy / auth
			// middleware, not this transport adapter.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	root, ctx, err := h.newRoot(r)
	if err != nil {
		h.logger.Warn("ws: root source rejected", "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", "error", err)
		return
	}

	opts := endpoint.Options{Context: ctx, Logger: h.logger}
	if h.epOpts != nil {
		opts = h.epOpts(r)
		opts.Context = ctx
		if opts.Logger == nil {
			opts.Logger = h.logger
		}
	}

	linkID := uuid.NewString()

	// The request's Context is not reliably cancelled once its connection
	// has been hijacked for the WebSocket upgrade, so link-close detection
	// goes through the adapter's own Closed callback (fired by readLoop on
	// the first read error) rather than r.Context().Done().
	var closeOnce sync.Once
	linkClosed := make(chan struct{})
	notifyClose := func() {
		closeOnce.Do(func() {
			close(linkClosed)
			if h.hooks.OnClose != nil {
				h.hooks.OnClose(linkID)
			}
		})
	}

	adapt := Adapt(conn, h.wsConfig)
	watched := func(deliver transport.Deliver, closed transport.Closed) (transport.Send, error) {
		return adapt(deliver, func(reason any) {
			closed(reason)
			notifyClose()
		})
	}

	ep, err := endpoint.Start(watched, root, opts)
	if err != nil {
		h.logger.Error("ws: source endpoint failed to start", "error", err)
		_ = conn.Close()
		return
	}

	if h.hooks.OnOpen != nil {
		h.hooks.OnOpen(linkID, ep)
	}

	h.logger.Info("ws: link opened", "link", linkID)
	select {
	case <-r.Context().Done():
	case <-linkClosed:
	}
	_ = conn.Close()
	notifyClose()
}
