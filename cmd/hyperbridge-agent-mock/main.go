// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// hyperbridge-agent-mock simulates a guest agent for development and
// end-to-end testing without a VM. It connects to the bridge with
// retry, identifies itself with the local host's name and OS, emits
// random process-create events or a scripted JSONC scenario, answers
// every command verb, heartbeats, and resumes its session across
// reconnects.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hyperbridge-labs/hyperbridge/lib/process"
	"github.com/hyperbridge-labs/hyperbridge/lib/version"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/transport"
)

// serverEnv is consulted when --server is not given.
const serverEnv = "AGENT_SERVER_ADDR"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		server       string
		scenarioPath string
		interval     time.Duration
		count        int
		capabilities []string
		hostname     string
		verbose      bool
	)
	flagSet := pflag.NewFlagSet("hyperbridge-agent-mock", pflag.ContinueOnError)
	flagSet.StringVarP(&server, "server", "s", "", "bridge address: host:port, tcp://host:port or unix:/path (default: $"+serverEnv+" or 127.0.0.1:9001)")
	flagSet.StringVar(&scenarioPath, "scenario", "", "JSONC scenario file (default: random process events)")
	flagSet.DurationVar(&interval, "interval", 1500*time.Millisecond, "pause between random events")
	flagSet.IntVar(&count, "count", 0, "stop generating after this many events (0: unlimited)")
	flagSet.StringSliceVar(&capabilities, "capabilities", nil, "verbs to advertise (default: every verb)")
	flagSet.StringVar(&hostname, "hostname", "", "override the reported hostname")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("hyperbridge-agent-mock")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if server == "" {
		server = os.Getenv(serverEnv)
	}
	if server == "" {
		server = "127.0.0.1:9001"
	}
	if _, _, err := transport.ParseAddress(server); err != nil {
		return err
	}

	verbs, err := parseVerbs(capabilities)
	if err != nil {
		return err
	}

	logger := process.NewLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := &Agent{
		Dial: func(ctx context.Context) (net.Conn, error) {
			return transport.DialAddress(ctx, server, 5*time.Second)
		},
		Identity:     DiscoverIdentity(ctx, logger),
		Capabilities: verbs,
		Interval:     interval,
		Count:        count,
		Logger:       logger,
	}
	if hostname != "" {
		agent.Identity.Hostname = hostname
	}
	if scenarioPath != "" {
		agent.Scenario, err = LoadScenario(scenarioPath)
		if err != nil {
			return err
		}
	}

	logger.Info("mock agent starting",
		"server", server,
		"hostname", agent.Identity.Hostname,
		"os", agent.Identity.OS,
		"scenario", scenarioPath,
	)
	return agent.Run(ctx)
}

func parseVerbs(names []string) ([]protocol.Verb, error) {
	if len(names) == 0 {
		return slices.Clone(protocol.Verbs), nil
	}
	verbs := make([]protocol.Verb, 0, len(names))
	for _, name := range names {
		verb := protocol.Verb(strings.ToUpper(strings.TrimSpace(name)))
		if !verb.Known() {
			return nil, fmt.Errorf("unknown verb %q", name)
		}
		verbs = append(verbs, verb)
	}
	return verbs, nil
}
