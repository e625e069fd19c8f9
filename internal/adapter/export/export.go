// Package export republishes Source events tagged Exportable onto an AMQP
// topic exchange, so state and events from a Source hosted on one node
// stay observable fleet-wide. It is strictly additive: a Source that never
// calls source.Source.SetExportable is never touched by this package
// (SPEC_FULL.md, "Export bridge").
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"

	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/source/channel"
)

// NewPublisher builds a publish-only watermill AMQP publisher bound to
// amqpURI, mirroring internal/adapter/pubsub's factory-backed construction
// but without the consumption half this bridge never needs.
func NewPublisher(amqpURI string, logger *slog.Logger) (message.Publisher, error) {
	cfg := amqp.NewDurablePubSubConfig(amqpURI, nil)
	pub, err := amqp.NewPublisher(cfg, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("export bridge: publisher: %w", err)
	}
	return pub, nil
}

// envelope is the wire shape published for every exported message/state
// change, analogous to the teacher's MessageV1Event but generic over any
// Source's event path instead of a fixed chat-message schema.
type envelope struct {
	Kind       string `json:"kind"`
	RoutingKey string `json:"routing_key"`
	Path       []any  `json:"path,omitempty"`
	Args       []any  `json:"args,omitempty"`
	State      any    `json:"state,omitempty"`
	Reason     any    `json:"reason,omitempty"`
}

// Bridge attaches to every Exportable Source it is shown exactly once and
// republishes its "message"/"state"/"dispose" bus events onto publisher.
type Bridge struct {
	logger    *slog.Logger
	publisher message.Publisher

	mu   sync.Mutex
	seen map[*source.Source]bool
}

// NewBridge builds a Bridge over an already-constructed publisher.
func NewBridge(publisher message.Publisher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger:    logger,
		publisher: publisher,
		seen:      make(map[*source.Source]bool),
	}
}

// Attach is a CreateHook (internal/source/endpoint.CreateHook): called for
// every Source Channel an endpoint creates, root or nested. The first time
// it sees a given Exportable Source it subscribes to that Source's bus for
// the lifetime of the process; later channels bound to the same Source are
// a no-op.
func (b *Bridge) Attach(ch *channel.Channel, _ *channel.Channel) {
	src := ch.Source()
	exportable, routingKey := src.Exportable()
	if !exportable {
		return
	}

	b.mu.Lock()
	already := b.seen[src]
	if !already {
		b.seen[src] = true
	}
	b.mu.Unlock()
	if already {
		return
	}

	src.Bus().On("message", func(args ...any) {
		if len(args) != 2 {
			return
		}
		path, _ := args[0].([]any)
		evArgs, _ := args[1].([]any)
		b.publish(routingKey, envelope{Kind: "message", RoutingKey: routingKey, Path: path, Args: evArgs})
	})
	src.Bus().On("state", func(args ...any) {
		if len(args) == 0 {
			return
		}
		b.publish(routingKey, envelope{Kind: "state", RoutingKey: routingKey, State: args[0]})
	})
	src.Bus().On("dispose", func(args ...any) {
		var reason any
		if len(args) > 0 {
			reason = args[0]
		}
		b.publish(routingKey, envelope{Kind: "dispose", RoutingKey: routingKey, Reason: reason})
	})
}

func (b *Bridge) publish(routingKey string, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("export bridge: marshal failure", "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(context.Background())
	if err := b.publisher.Publish(routingKey, msg); err != nil {
		b.logger.Error("export bridge: publish failed", "routing_key", routingKey, "error", err)
	}
}

// Close releases the underlying publisher's connection.
func (b *Bridge) Close() error { return b.publisher.Close() }
