package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"

	"github.com/netmapper/fabric/config"
)

const ServiceName = "cartographer-fabric"

var (
	version = "0.0.0"
	commit  = "hash"
	branch  = "branch"
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Service fabric for the Cartographer network monitoring platform",
		Commands: []*cli.Command{
			serviceCmd("gateway", "Run the public edge gateway", NewGatewayApp),
			serviceCmd("identity", "Run the identity service", NewIdentityApp),
			serviceCmd("notifier", "Run the notification service", NewNotifierApp),
		},
	}
	return app.Run(os.Args)
}

func serviceCmd(name, usage string, newApp func(*config.Manager) *fx.App) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			m, err := config.Load(c.String("config_file"), slog.Default())
			if err != nil {
				return err
			}
			m.Watch()

			app := newApp(m)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}
