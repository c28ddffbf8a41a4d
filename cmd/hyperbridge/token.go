// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/hyperbridge-labs/hyperbridge/console"
)

func runToken(args []string) error {
	var (
		configPath string
		subject    string
		ttl        time.Duration
	)
	flagSet := pflag.NewFlagSet("hyperbridge token", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to hyperbridge.yaml")
	flagSet.StringVar(&subject, "subject", "", "analyst name recorded in the token (required)")
	flagSet.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if subject == "" {
		return errors.New("--subject is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive: %s", ttl)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.API.JWTSecret == "" {
		return errors.New("api.jwt_secret is not set; the console does not require tokens")
	}
	token, err := console.IssueToken([]byte(cfg.API.JWTSecret), subject, time.Now(), ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}
