// Package ws implements transport.Adapter over a gorilla/websocket
// connection: one JSON array per wire message, a bounded write queue for
// backpressure isolation, and a read loop that hands decoded messages to
// the multiplexing core.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webitel/stateful-rpc/internal/transport"
)

// Config tunes the adapter's read/write loops.
type Config struct {
	// WriteQueue bounds the number of outbound messages buffered before a
	// slow peer starts blocking the sender. Zero uses a sane default.
	WriteQueue int
	// PongWait is the read deadline refreshed by each pong; zero disables
	// the keepalive deadline entirely.
	PongWait time.Duration
	// PingInterval sends periodic pings when PongWait is set; must be
	// shorter than PongWait.
	PingInterval time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WriteQueue <= 0 {
		c.WriteQueue = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Adapt wraps an already-upgraded *websocket.Conn as a transport.Adapter.
// The returned Adapter can only be engaged once, matching the single-use
// contract of a freshly accepted connection.
func Adapt(conn *websocket.Conn, cfg Config) transport.Adapter {
	cfg = cfg.withDefaults()
	return func(deliver transport.Deliver, closed transport.Closed) (transport.Send, error) {
		outbox := make(chan []any, cfg.WriteQueue)
		done := make(chan struct{})
		var closeOnce closeGuard

		fireClose := func(reason any) {
			if closeOnce.fire() {
				close(done)
				closed(reason)
			}
		}

		if cfg.PongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
			})
		}

		go readLoop(conn, deliver, fireClose, cfg)
		go writeLoop(conn, outbox, done, fireClose, cfg)

		send := func(msg []any) error {
			select {
			case outbox <- msg:
				return nil
			case <-done:
				return errLinkClosed
			}
		}
		return send, nil
	}
}

type closeGuard struct{ fired int32 }

func (g *closeGuard) fire() bool {
	return atomic.CompareAndSwapInt32(&g.fired, 0, 1)
}

func readLoop(conn *websocket.Conn, deliver transport.Deliver, fireClose func(any), cfg Config) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			fireClose(err.Error())
			return
		}
		var msg []any
		if err := json.Unmarshal(data, &msg); err != nil {
			cfg.Logger.Warn("ws: dropping malformed frame", "error", err)
			continue
		}
		deliver(msg)
	}
}

func writeLoop(conn *websocket.Conn, outbox <-chan []any, done <-chan struct{}, fireClose func(any), cfg Config) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if cfg.PongWait > 0 && cfg.PingInterval > 0 {
		ticker = time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case msg, ok := <-outbox:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				cfg.Logger.Error("ws: failed to encode outbound frame", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				fireClose(err.Error())
				return
			}
		case <-tick:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				fireClose(err.Error())
				return
			}
		case <-done:
			return
		}
	}
}

var errLinkClosed = jsonEncodeError("ws: link closed")

type jsonEncodeError string

func (e jsonEncodeError) Error() string { return string(e) }
