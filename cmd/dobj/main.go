// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// dobj inspects and calls vended objects from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/luxfi/dobj"
	"github.com/luxfi/dobj/internal/logging"
)

type session struct {
	cfg      dobj.Config
	registry dobj.Registry
}

func newSession(c *cli.Context) (*session, error) {
	cfg, err := dobj.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if c.GlobalIsSet("scope") {
		cfg.Scope = c.GlobalString("scope")
	}
	if hosts := c.GlobalStringSlice("discovery"); len(hosts) > 0 {
		cfg.DiscoveryHosts = hosts
		if !c.GlobalIsSet("scope") {
			cfg.Scope = dobj.ScopeNetwork
		}
	}
	if c.GlobalIsSet("timeout") {
		cfg.CallTimeout = c.GlobalDuration("timeout")
	}
	if c.GlobalIsSet("log-level") {
		cfg.LogLevel = c.GlobalString("log-level")
	}
	if _, err := logging.Configure("dobj", cfg.LogLevel, true); err != nil {
		return nil, err
	}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, registry: reg}, nil
}

func (s *session) timeoutCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.CallTimeout+s.cfg.HandshakeTimeout)
}

func (s *session) lookup(ctx context.Context, name string) (*dobj.Proxy, error) {
	opts := append(s.cfg.DialOptions(), dobj.WithRegistry(s.registry), dobj.WithLoop(dobj.NewLoop()))
	return dobj.Lookup(ctx, name, opts...)
}

// parseArgs reads each argument as JSON, falling back to a plain string
func parseArgs(in []string) []any {
	args := make([]any, len(in))
	for i, a := range in {
		if json.Valid([]byte(a)) {
			args[i] = json.RawMessage(a)
		} else {
			args[i] = a
		}
	}
	return args
}

func printValue(v any) error {
	if p, ok := v.(*dobj.Proxy); ok {
		fmt.Println(p.String())
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func resolveCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: dobj resolve NAME", 2)
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.timeoutCtx()
	defer cancel()

	ep, err := s.registry.Resolve(ctx, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(ep)
	return nil
}

func listCommand(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	lister, ok := s.registry.(dobj.Lister)
	if !ok {
		return cli.NewExitError("registry cannot list names", 1)
	}
	ctx, cancel := s.timeoutCtx()
	defer cancel()

	entries, err := lister.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", e.Name, e.Endpoint)
	}
	return nil
}

func callCommand(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.NewExitError("usage: dobj call NAME METHOD [ARG...]", 2)
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.timeoutCtx()
	defer cancel()

	proxy, err := s.lookup(ctx, c.Args().First())
	if err != nil {
		return err
	}
	defer proxy.Connection().Close()

	var out any
	if err := proxy.Call(ctx, c.Args().Get(1), &out, parseArgs(c.Args().Tail()[1:])...); err != nil {
		return err
	}
	return printValue(out)
}

func notifyCommand(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.NewExitError("usage: dobj notify NAME METHOD [ARG...]", 2)
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.timeoutCtx()
	defer cancel()

	proxy, err := s.lookup(ctx, c.Args().First())
	if err != nil {
		return err
	}
	defer proxy.Connection().Close()
	return proxy.Notify(ctx, c.Args().Get(1), parseArgs(c.Args().Tail()[1:])...)
}

func methodsCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: dobj methods NAME", 2)
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.timeoutCtx()
	defer cancel()

	proxy, err := s.lookup(ctx, c.Args().First())
	if err != nil {
		return err
	}
	defer proxy.Connection().Close()

	names, err := proxy.Methods(ctx)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(names, "\n"))
	return nil
}

func pingCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: dobj ping NAME", 2)
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.timeoutCtx()
	defer cancel()

	proxy, err := s.lookup(ctx, c.Args().First())
	if err != nil {
		return err
	}
	defer proxy.Connection().Close()

	start := time.Now()
	if err := proxy.Connection().Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", proxy.Connection().RemoteEndpoint(), time.Since(start).Round(time.Microsecond))
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "dobj"
	app.Usage = "look up and call vended objects"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML config file",
		},
		cli.StringFlag{
			Name:  "scope, s",
			Usage: "registry scope: local or network",
		},
		cli.StringSliceFlag{
			Name:  "discovery, d",
			Usage: "discovery host (repeatable); implies --scope network",
		},
		cli.DurationFlag{
			Name:  "timeout, t",
			Usage: "reply timeout",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "trace, debug, info, warn or error",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:      "resolve",
			Usage:     "Print the endpoint a name is registered at",
			ArgsUsage: "NAME",
			Action:    resolveCommand,
		},
		cli.Command{
			Name:   "list",
			Usage:  "List registered names",
			Action: listCommand,
		},
		cli.Command{
			Name:      "call",
			Usage:     "Call a method on a vended root object and print the result",
			ArgsUsage: "NAME METHOD [ARG...]",
			Action:    callCommand,
		},
		cli.Command{
			Name:      "notify",
			Usage:     "Send a one-way invocation",
			ArgsUsage: "NAME METHOD [ARG...]",
			Action:    notifyCommand,
		},
		cli.Command{
			Name:      "methods",
			Usage:     "List the methods a vended object answers to",
			ArgsUsage: "NAME",
			Action:    methodsCommand,
		},
		cli.Command{
			Name:      "ping",
			Usage:     "Round-trip an empty invocation",
			ArgsUsage: "NAME",
			Action:    pingCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dobj:", err)
		os.Exit(1)
	}
}
