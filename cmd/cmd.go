package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/webitel/stateful-rpc/internal/config"
)

const (
	ServiceName      = "stateful-rpc"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run builds and executes the CLI, dispatching to the serve or monitor
// subcommand.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Stateful multiplexed RPC channel service",
		Commands: []*cli.Command{
			serveCmd(),
			monitorCmd(),
		},
	}
	return app.Run(os.Args)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the Source endpoint server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config_file", Usage: "Path to the configuration file"},
			&cli.StringFlag{Name: "listen", Usage: "Override listen address"},
		},
		Action: func(c *cli.Context) error {
			store, err := loadConfigFromCLI(c)
			if err != nil {
				return err
			}

			app := NewApp(store)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("stateful-rpc: shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return app.Stop(ctx)
		},
	}
}

func monitorCmd() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Run the terminal dashboard against a running server's monitor port",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config_file", Usage: "Path to the configuration file"},
		},
		Action: func(c *cli.Context) error {
			store, err := loadConfigFromCLI(c)
			if err != nil {
				return err
			}
			return RunMonitorTUI(store)
		},
	}
}

func loadConfigFromCLI(c *cli.Context) (*config.Store, error) {
	fs := pflag.NewFlagSet(ServiceName, pflag.ContinueOnError)
	config.Flags(fs)
	args := []string{}
	if v := c.String("config_file"); v != "" {
		args = append(args, "--config_file", v)
	}
	if v := c.String("listen"); v != "" {
		args = append(args, "--listen", v)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(fs)
}
