package export

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"
)

// Config is the export bridge's fx-provided configuration.
type Config struct {
	AMQPURI string
	Enabled bool
}

// Module wires the export bridge: a publisher bound to Config.AMQPURI and
// the Bridge built over it, with its connection closed on app shutdown.
var Module = fx.Module("export-bridge",
	fx.Provide(
		func(cfg Config, logger *slog.Logger) (message.Publisher, error) {
			if !cfg.Enabled {
				return noopPublisher{}, nil
			}
			return NewPublisher(cfg.AMQPURI, logger)
		},
		NewBridge,
	),

	fx.Invoke(func(lc fx.Lifecycle, pub message.Publisher) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return pub.Close()
			},
		})
	}),
)

// noopPublisher discards every publish when the export bridge is disabled,
// so a Bridge can always be constructed without a live AMQP broker.
type noopPublisher struct{}

func (noopPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (noopPublisher) Close() error                                            { return nil }
