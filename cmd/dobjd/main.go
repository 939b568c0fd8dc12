// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// dobjd is the discovery daemon network-scope names resolve through.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"github.com/luxfi/dobj"
	"github.com/luxfi/dobj/discovery"
	"github.com/luxfi/dobj/internal/logging"
)

func runDaemon(c *cli.Context) error {
	cfg, err := loadDaemonConfig(c.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("lease") {
		cfg.LeaseTTL = c.Duration("lease")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if lvl := os.Getenv(dobj.EnvLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}

	logger, err := logging.Configure("dobjd", cfg.LogLevel, c.Bool("console"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("log level: %v", err), 2)
	}

	srv, err := discovery.NewServer(
		discovery.WithLeaseTTL(cfg.LeaseTTL),
		discovery.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("listen", cfg.Listen).Dur("lease_ttl", cfg.LeaseTTL).Msg("starting")
	if err := srv.Serve(ctx, cfg.Listen); err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "dobjd"
	app.Usage = "resolve dobj names across hosts"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML config file",
		},
		cli.StringFlag{
			Name:  "listen, l",
			Value: defaultDaemonConfig().Listen,
			Usage: "address to serve on",
		},
		cli.DurationFlag{
			Name:  "lease",
			Value: discovery.DefaultLeaseTTL,
			Usage: "lease granted to registrations that ask for none",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "trace, debug, info, warn or error",
		},
		cli.BoolFlag{
			Name:  "console",
			Usage: "human readable log output",
		},
	}
	app.Action = runDaemon

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("dobjd failed")
		os.Exit(1)
	}
}
