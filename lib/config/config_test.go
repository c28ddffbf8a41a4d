// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if cfg.Environment != Development {
		t.Errorf("Environment = %s, want development", cfg.Environment)
	}
	if cfg.Bridge.ListenAddress != "0.0.0.0:9001" {
		t.Errorf("Bridge.ListenAddress = %q, want 0.0.0.0:9001", cfg.Bridge.ListenAddress)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestDefaultBridgeSettings(t *testing.T) {
	bridge := Default().Bridge
	granted := make(map[string]bool, len(bridge.DefaultCapabilities))
	for _, verb := range bridge.DefaultCapabilities {
		granted[verb] = true
	}
	for _, verb := range protocol.Verbs {
		if !granted[string(verb)] {
			t.Errorf("DefaultCapabilities is missing %s", verb)
		}
	}
	if len(bridge.DefaultCapabilities) != len(protocol.Verbs) {
		t.Errorf("DefaultCapabilities = %v, want exactly %v", bridge.DefaultCapabilities, protocol.Verbs)
	}
	if bridge.ReorderWindow != 64 || bridge.ReorderTimeout != 5*time.Second {
		t.Errorf("reorder window %d timeout %s, want 64 and 5s", bridge.ReorderWindow, bridge.ReorderTimeout)
	}
}

func TestValidateReorderTimeout(t *testing.T) {
	cfg := Default()
	cfg.Bridge.ReorderTimeout = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "bridge.reorder_timeout") {
		t.Fatalf("Validate = %v, want a reorder_timeout error", err)
	}
	// A strict-order bridge never holds events, so no timeout is needed.
	cfg.Bridge.ReorderWindow = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with reorder_window 0 = %v", err)
	}
}

func TestLoad_RequiresEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when HYPERBRIDGE_CONFIG is not set")
	}
	if !strings.HasPrefix(err.Error(), "HYPERBRIDGE_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_ReadsFileAndDurations(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hyperbridge.yaml")
	content := `
environment: staging
bridge:
  listen_address: 127.0.0.1:9100
  grace_period: 45s
  reorder_window: 8
dispatch:
  default_deadline: 5s
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvVar, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("Environment = %s, want staging", cfg.Environment)
	}
	if cfg.Bridge.ListenAddress != "127.0.0.1:9100" {
		t.Errorf("ListenAddress = %q", cfg.Bridge.ListenAddress)
	}
	if cfg.Bridge.GracePeriod != 45*time.Second {
		t.Errorf("GracePeriod = %s, want 45s", cfg.Bridge.GracePeriod)
	}
	if cfg.Bridge.ReorderWindow != 8 {
		t.Errorf("ReorderWindow = %d, want 8", cfg.Bridge.ReorderWindow)
	}
	if cfg.Dispatch.DefaultDeadline != 5*time.Second {
		t.Errorf("DefaultDeadline = %s, want 5s", cfg.Dispatch.DefaultDeadline)
	}
	// Untouched fields keep their defaults.
	if cfg.Dispatch.MaxDeadline != Default().Dispatch.MaxDeadline {
		t.Errorf("MaxDeadline = %s, want default", cfg.Dispatch.MaxDeadline)
	}
}

func TestEnvironmentOverridesOnlyTouchNamedKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
environment: production
bridge:
  listen_address: 0.0.0.0:9001
  grace_period: 1m
api:
  jwt_secret: base-secret
production:
  bridge:
    grace_period: 5m
  report:
    compression: lz4
development:
  bridge:
    grace_period: 1s
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Bridge.GracePeriod != 5*time.Minute {
		t.Errorf("GracePeriod = %s, want 5m from production section", cfg.Bridge.GracePeriod)
	}
	if cfg.Bridge.ListenAddress != "0.0.0.0:9001" {
		t.Errorf("ListenAddress = %q, want base value kept", cfg.Bridge.ListenAddress)
	}
	if cfg.Report.Compression != CompressionLZ4 {
		t.Errorf("Compression = %q, want lz4", cfg.Report.Compression)
	}
	if cfg.API.JWTSecret != "base-secret" {
		t.Errorf("JWTSecret = %q, want base value kept", cfg.API.JWTSecret)
	}
}

func TestOverrideCannotChangeEnvironment(t *testing.T) {
	cfg, err := Parse([]byte(`
environment: staging
staging:
  environment: production
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("Environment = %s, want staging", cfg.Environment)
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("HOME", "/home/analyst")
	t.Setenv("HB_SERIAL_DIR", "")
	cfg, err := Parse([]byte(`
bridge:
  unix_socket: ${HOME}/hb.sock
  serial_sockets: ["${HB_SERIAL_DIR:-/run/vms}/win10.sock"]
report:
  directory: ${HOME}/reports
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Bridge.UnixSocket != "/home/analyst/hb.sock" {
		t.Errorf("UnixSocket = %q", cfg.Bridge.UnixSocket)
	}
	if cfg.Bridge.SerialSockets[0] != "/run/vms/win10.sock" {
		t.Errorf("SerialSockets[0] = %q", cfg.Bridge.SerialSockets[0])
	}
	if cfg.Report.Directory != "/home/analyst/reports" {
		t.Errorf("Report.Directory = %q", cfg.Report.Directory)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Environment = Production
	cfg.Bridge.GracePeriod = 0
	cfg.Dispatch.DefaultDeadline = time.Hour
	cfg.Fanout.ReplayWindow = 0
	cfg.Report.Compression = "gzip"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{
		"bridge.grace_period",
		"dispatch.default_deadline",
		"fanout.replay_window",
		"report.compression",
		"api.jwt_secret is required in production",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateRequiresAListener(t *testing.T) {
	cfg := Default()
	cfg.Bridge.ListenAddress = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "listen_address") {
		t.Fatalf("Validate = %v, want a listener error", err)
	}
	cfg.Bridge.SerialSockets = []string{"/run/vms/a.sock"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with a serial socket only = %v", err)
	}
}

func TestParseRejectsInvalidDuration(t *testing.T) {
	if _, err := Parse([]byte("bridge:\n  idle_timeout: soon\n")); err == nil {
		t.Fatal("Parse accepted an invalid duration")
	}
}
