// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted by [Load].
const EnvVar = "HYPERBRIDGE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Report compression modes.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// Config is the master configuration for the hyperbridge daemon.
type Config struct {
	Environment Environment `yaml:"environment"`

	Bridge     BridgeConfig     `yaml:"bridge"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	API        APIConfig        `yaml:"api"`
	Report     ReportConfig     `yaml:"report"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`

	// Per-environment sections, decoded over the base values when
	// Environment matches. Kept as raw nodes so an override only
	// touches the keys it names.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// BridgeConfig configures guest transports and session lifecycle.
type BridgeConfig struct {
	// ListenAddress is the TCP address guest agents connect to.
	// Empty disables the TCP listener.
	ListenAddress string `yaml:"listen_address"`

	// UnixSocket is an optional unix socket path for guests whose
	// channel is proxied onto the host filesystem.
	UnixSocket string `yaml:"unix_socket"`

	// SerialSockets lists VM serial channel sockets (for example a
	// QEMU chardev socket) the bridge dials and redials.
	SerialSockets []string `yaml:"serial_sockets"`

	// SerialRedial is the pause between redial attempts on a serial
	// socket whose guest is not up yet.
	SerialRedial time.Duration `yaml:"serial_redial"`

	// HandshakeTimeout bounds the wait for session-init after accept.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// IdleTimeout drops a connection that delivered no frame for this
	// long. Agents heartbeat at HeartbeatInterval to stay under it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// HeartbeatInterval is advertised to agents in the welcome frame.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Keepalive KeepaliveConfig `yaml:"keepalive"`

	// GracePeriod is how long a disconnected session may resume
	// before it expires.
	GracePeriod time.Duration `yaml:"grace_period"`

	// ExpiryInterval is the period of the expiry task.
	ExpiryInterval time.Duration `yaml:"expiry_interval"`

	// ReorderWindow is the number of out-of-order events held per
	// session while waiting for a missing sequence number.
	ReorderWindow int `yaml:"reorder_window"`

	// ReorderTimeout bounds how long an event may wait in the reorder
	// window. When it passes, the missing sequence numbers are
	// published as a gap and the held events are released.
	ReorderTimeout time.Duration `yaml:"reorder_timeout"`

	// MaxFrameSize bounds a single frame payload in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`

	// DefaultCapabilities is the verb set assumed for agents whose
	// session-init advertises none.
	DefaultCapabilities []string `yaml:"default_capabilities"`
}

// KeepaliveConfig configures TCP keepalive on guest connections.
type KeepaliveConfig struct {
	Idle     time.Duration `yaml:"idle"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"`
}

// DispatchConfig configures command dispatch.
type DispatchConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	MaxDeadline     time.Duration `yaml:"max_deadline"`

	// OutboxSize bounds commands queued for one session but not yet
	// written to its transport.
	OutboxSize int `yaml:"outbox_size"`
}

// FanoutConfig configures the event router.
type FanoutConfig struct {
	// ReplayWindow is the number of deliveries retained per session.
	ReplayWindow int `yaml:"replay_window"`

	// SubscriberBuffer is the live backlog a subscriber may accumulate
	// before it is closed as lagged.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// APIConfig configures the analyst console.
type APIConfig struct {
	// ListenAddress is the HTTP listen address. Empty disables the
	// console.
	ListenAddress string `yaml:"listen_address"`

	// JWTSecret enables HS256 bearer-token authentication when set.
	JWTSecret string `yaml:"jwt_secret"`

	// PingInterval is the websocket ping period for event streams.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// ReportConfig configures the persisted-report sink.
type ReportConfig struct {
	// Directory receives report files. Empty disables reports.
	Directory string `yaml:"directory"`

	// Compression is one of none, lz4, zstd.
	Compression string `yaml:"compression"`

	// Recipients are age public keys; when non-empty reports are
	// encrypted to them.
	Recipients []string `yaml:"recipients"`

	// MaxEvents bounds the events retained per session report.
	MaxEvents int `yaml:"max_events"`
}

// EnrichmentConfig configures the optional scoring service.
type EnrichmentConfig struct {
	// URL is the scoring endpoint. Empty disables enrichment.
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the development defaults applied before the config
// file is decoded.
func Default() *Config {
	return &Config{
		Environment: Development,
		Bridge: BridgeConfig{
			ListenAddress:     "0.0.0.0:9001",
			SerialRedial:      2 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			IdleTimeout:       30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			Keepalive: KeepaliveConfig{
				Idle:     15 * time.Second,
				Interval: 5 * time.Second,
				Count:    3,
			},
			GracePeriod:    2 * time.Minute,
			ExpiryInterval: 5 * time.Second,
			ReorderWindow:  64,
			ReorderTimeout: 5 * time.Second,
			MaxFrameSize:   8 << 20,
			DefaultCapabilities: []string{
				"KILL", "EXEC_BINARY", "DOWNLOAD_EXEC", "EXEC_URL", "SCREENSHOT", "UPLOAD_PIVOT",
			},
		},
		Dispatch: DispatchConfig{
			SweepInterval:   250 * time.Millisecond,
			DefaultDeadline: 30 * time.Second,
			MaxDeadline:     10 * time.Minute,
			OutboxSize:      64,
		},
		Fanout: FanoutConfig{
			ReplayWindow:     4096,
			SubscriberBuffer: 256,
		},
		API: APIConfig{
			ListenAddress: "127.0.0.1:8080",
			PingInterval:  20 * time.Second,
		},
		Report: ReportConfig{
			Compression: CompressionZstd,
			MaxEvents:   100000,
		},
		Enrichment: EnrichmentConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Load loads configuration from the file named by HYPERBRIDGE_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your hyperbridge.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over [Default], applies the
// matching environment section and expands path variables. It does
// not validate; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration data over [Default].
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var overrides yaml.Node
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	default:
		return nil
	}
	if overrides.IsZero() {
		return nil
	}
	if overrides.Kind != yaml.MappingNode {
		return fmt.Errorf("%s section must be a mapping", c.Environment)
	}
	environment := c.Environment
	if err := overrides.Decode(c); err != nil {
		return fmt.Errorf("applying %s overrides: %w", environment, err)
	}
	// An override section cannot move the config to another environment.
	c.Environment = environment
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Bridge.UnixSocket = expandVars(c.Bridge.UnixSocket, vars)
	for i, path := range c.Bridge.SerialSockets {
		c.Bridge.SerialSockets[i] = expandVars(path, vars)
	}
	c.Report.Directory = expandVars(c.Report.Directory, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	bridge := c.Bridge
	if bridge.ListenAddress == "" && bridge.UnixSocket == "" && len(bridge.SerialSockets) == 0 {
		errs = append(errs, errors.New("bridge: at least one of listen_address, unix_socket or serial_sockets is required"))
	}
	if bridge.UnixSocket != "" && !filepath.IsAbs(bridge.UnixSocket) {
		errs = append(errs, fmt.Errorf("bridge.unix_socket must be absolute: %q", bridge.UnixSocket))
	}
	errs = appendPositive(errs, "bridge.handshake_timeout", bridge.HandshakeTimeout)
	errs = appendPositive(errs, "bridge.idle_timeout", bridge.IdleTimeout)
	errs = appendPositive(errs, "bridge.heartbeat_interval", bridge.HeartbeatInterval)
	errs = appendPositive(errs, "bridge.grace_period", bridge.GracePeriod)
	errs = appendPositive(errs, "bridge.expiry_interval", bridge.ExpiryInterval)
	if len(bridge.SerialSockets) > 0 {
		errs = appendPositive(errs, "bridge.serial_redial", bridge.SerialRedial)
	}
	if bridge.HeartbeatInterval >= bridge.IdleTimeout && bridge.IdleTimeout > 0 {
		errs = append(errs, fmt.Errorf("bridge.heartbeat_interval (%s) must be shorter than bridge.idle_timeout (%s)",
			bridge.HeartbeatInterval, bridge.IdleTimeout))
	}
	if bridge.ReorderWindow < 0 {
		errs = append(errs, fmt.Errorf("bridge.reorder_window must not be negative: %d", bridge.ReorderWindow))
	}
	if bridge.ReorderWindow > 0 {
		errs = appendPositive(errs, "bridge.reorder_timeout", bridge.ReorderTimeout)
	}
	if bridge.MaxFrameSize < 1024 {
		errs = append(errs, fmt.Errorf("bridge.max_frame_size must be at least 1024: %d", bridge.MaxFrameSize))
	}
	if bridge.Keepalive.Idle < 0 || bridge.Keepalive.Interval < 0 || bridge.Keepalive.Count < 0 {
		errs = append(errs, errors.New("bridge.keepalive values must not be negative"))
	}

	errs = appendPositive(errs, "dispatch.sweep_interval", c.Dispatch.SweepInterval)
	errs = appendPositive(errs, "dispatch.default_deadline", c.Dispatch.DefaultDeadline)
	errs = appendPositive(errs, "dispatch.max_deadline", c.Dispatch.MaxDeadline)
	if c.Dispatch.DefaultDeadline > c.Dispatch.MaxDeadline {
		errs = append(errs, fmt.Errorf("dispatch.default_deadline (%s) exceeds dispatch.max_deadline (%s)",
			c.Dispatch.DefaultDeadline, c.Dispatch.MaxDeadline))
	}
	if c.Dispatch.OutboxSize < 1 {
		errs = append(errs, fmt.Errorf("dispatch.outbox_size must be positive: %d", c.Dispatch.OutboxSize))
	}

	if c.Fanout.ReplayWindow < 1 {
		errs = append(errs, fmt.Errorf("fanout.replay_window must be positive: %d", c.Fanout.ReplayWindow))
	}
	if c.Fanout.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("fanout.subscriber_buffer must be positive: %d", c.Fanout.SubscriberBuffer))
	}

	if c.API.ListenAddress != "" {
		errs = appendPositive(errs, "api.ping_interval", c.API.PingInterval)
	}
	if c.Environment == Production && c.API.ListenAddress != "" && c.API.JWTSecret == "" {
		errs = append(errs, errors.New("api.jwt_secret is required in production"))
	}

	switch c.Report.Compression {
	case "", CompressionNone, CompressionLZ4, CompressionZstd:
	default:
		errs = append(errs, fmt.Errorf("report.compression must be none, lz4 or zstd: %q", c.Report.Compression))
	}
	if c.Report.Directory != "" && c.Report.MaxEvents < 1 {
		errs = append(errs, fmt.Errorf("report.max_events must be positive: %d", c.Report.MaxEvents))
	}

	if c.Enrichment.URL != "" {
		errs = appendPositive(errs, "enrichment.timeout", c.Enrichment.Timeout)
	}

	return errors.Join(errs...)
}

func appendPositive(errs []error, name string, value time.Duration) []error {
	if value <= 0 {
		return append(errs, fmt.Errorf("%s must be positive: %s", name, value))
	}
	return errs
}
