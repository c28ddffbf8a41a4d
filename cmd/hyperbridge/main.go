// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// hyperbridge is the host-side bridge daemon. It accepts guest agent
// connections, tracks their sessions, routes analyst commands to them
// and fans their events out to the console and the report sink.
//
// Subcommands:
//
//	hyperbridge [flags]                 run the daemon
//	hyperbridge report [flags] <file>   print a stored session report
//	hyperbridge token [flags]           mint a console bearer token
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/hyperbridge-labs/hyperbridge/lib/config"
	"github.com/hyperbridge-labs/hyperbridge/lib/process"
	"github.com/hyperbridge-labs/hyperbridge/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "--version", "version":
			version.Print("hyperbridge")
			return nil
		case "report":
			return runReport(args[1:])
		case "token":
			return runToken(args[1:])
		}
	}
	return runDaemon(args)
}

// daemonFlags are the command-line overrides. Everything else comes
// from the config file.
type daemonFlags struct {
	configPath string
	listen     string
	apiListen  string
	verbose    bool
}

func parseDaemonFlags(args []string) (*daemonFlags, bool, error) {
	var flags daemonFlags
	flagSet := pflag.NewFlagSet("hyperbridge", pflag.ContinueOnError)
	flagSet.StringVarP(&flags.configPath, "config", "c", "", "path to hyperbridge.yaml (default: $"+config.EnvVar+")")
	flagSet.StringVar(&flags.listen, "listen", "", "override bridge.listen_address")
	flagSet.StringVar(&flags.apiListen, "api-listen", "", "override api.listen_address")
	flagSet.BoolVarP(&flags.verbose, "verbose", "v", false, "enable per-connection debug logging")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, `hyperbridge - host bridge for guest analysis agents

Usage:
  hyperbridge [flags]
  hyperbridge report [flags] <file>
  hyperbridge token [flags]

Flags:
`)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, err
	}
	if flagSet.NArg() > 0 {
		return nil, false, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &flags, false, nil
}

// loadConfig reads --config or $HYPERBRIDGE_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
