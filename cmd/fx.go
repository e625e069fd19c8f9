package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"

	"github.com/webitel/stateful-rpc/internal/adapter/export"
	"github.com/webitel/stateful-rpc/internal/config"
	"github.com/webitel/stateful-rpc/internal/handler"
	"github.com/webitel/stateful-rpc/internal/monitor"
	monitorhttp "github.com/webitel/stateful-rpc/internal/monitor/http"
	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/source/endpoint"
	"github.com/webitel/stateful-rpc/internal/transport/longpoll"
	"github.com/webitel/stateful-rpc/internal/transport/ws"
)

// ProvideLogger builds the process-wide structured logger every component
// receives via constructor injection.
func ProvideLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// demoRoot builds the root Source served when no application wiring has
// replaced it: a single `sum(x, y)` method, matching spec §8 scenario 1.
func demoRoot(logger *slog.Logger) (*source.Source, error) {
	builder, err := handler.New("", 1024)
	if err != nil {
		return nil, fmt.Errorf("demo root: handler builder: %w", err)
	}
	root := handler.Node{
		Record: map[string]handler.Node{
			"sum": {
				Method: func(f handler.Facade, args []any) (any, error) {
					if len(args) != 2 {
						return nil, fmt.Errorf("sum: expected 2 args, got %d", len(args))
					}
					x, xok := toFloat(args[0])
					y, yok := toFloat(args[1])
					if !xok || !yok {
						return nil, fmt.Errorf("sum: expected numeric arguments")
					}
					return x + y, nil
				},
			},
		},
	}
	return source.New(builder.Build(root), nil), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// NewApp assembles the fx graph for the serve command.
func NewApp(store *config.Store) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Store { return store },
			func(s *config.Store) *config.Config { return s.Get() },
			ProvideLogger,
			demoRoot,
			monitor.NewRegistry,
			func(cfg *config.Config) export.Config {
				return export.Config{AMQPURI: cfg.Export.AMQPURI, Enabled: cfg.Export.Enabled}
			},
		),
		export.Module,
		fx.Invoke(registerServeLifecycle),
	)
}

func registerServeLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *slog.Logger,
	root *source.Source,
	reg *monitor.Registry,
	bridge *export.Bridge,
) error {
	router := chi.NewRouter()
	rootFactory := func(r *http.Request) (*source.Source, any, error) { return root, nil, nil }
	epOpts := func(r *http.Request) endpoint.Options {
		return endpoint.Options{
			MaxChannelsPerClient: cfg.Endpoint.MaxChannelsPerClient,
			OnCreateChannel:      bridge.Attach,
			Logger:               logger,
		}
	}

	wsHandler := ws.NewHandler(
		logger,
		rootFactory,
		ws.Config{WriteQueue: cfg.Endpoint.WriteQueueSize, Logger: logger},
		epOpts,
		ws.LinkHooks{
			OnOpen:  func(linkID string, ep *endpoint.Endpoint) { reg.Add(linkID, ep) },
			OnClose: func(linkID string) { reg.Remove(linkID) },
		},
	)
	router.Handle("/ws", wsHandler)

	lpHandler := longpoll.NewHandler(
		logger,
		rootFactory,
		epOpts,
		0, 2*time.Minute,
		longpoll.LinkHooks{
			OnOpen:  func(linkID string, ep *endpoint.Endpoint) { reg.Add(linkID, ep) },
			OnClose: func(linkID string) { reg.Remove(linkID) },
		},
	)
	lpHandler.Routes(router, "/lp")

	server := &http.Server{Addr: cfg.Listen, Handler: router}

	monitorRouter := chi.NewRouter()
	monitorhttp.Routes(monitorRouter, reg)
	monitorServer := &http.Server{Addr: cfg.Monitor.HTTPListen, Handler: monitorRouter}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("stateful-rpc: ws server stopped", "error", err)
				}
			}()
			go func() {
				if err := monitorServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("stateful-rpc: monitor server stopped", "error", err)
				}
			}()
			logger.Info("stateful-rpc: serving", "listen", cfg.Listen, "monitor", cfg.Monitor.HTTPListen)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			_ = monitorServer.Shutdown(shutdownCtx)
			return server.Shutdown(shutdownCtx)
		},
	})
	return nil
}
