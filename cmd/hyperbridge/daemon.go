// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/bridge"
	"github.com/hyperbridge-labs/hyperbridge/console"
	"github.com/hyperbridge-labs/hyperbridge/dispatch"
	"github.com/hyperbridge-labs/hyperbridge/enrich"
	"github.com/hyperbridge-labs/hyperbridge/fanout"
	"github.com/hyperbridge-labs/hyperbridge/lib/config"
	"github.com/hyperbridge-labs/hyperbridge/lib/netutil"
	"github.com/hyperbridge-labs/hyperbridge/lib/process"
	"github.com/hyperbridge-labs/hyperbridge/lib/version"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/report"
	"github.com/hyperbridge-labs/hyperbridge/session"
	"github.com/hyperbridge-labs/hyperbridge/transport"
)

func runDaemon(args []string) error {
	flags, help, err := parseDaemonFlags(args)
	if err != nil || help {
		return err
	}
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.listen != "" {
		cfg.Bridge.ListenAddress = flags.listen
	}
	if flags.apiListen != "" {
		cfg.API.ListenAddress = flags.apiListen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger := process.NewLogger(flags.verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

// serve runs every component until ctx is cancelled, then tears them
// down in dependency order: listeners and links first, then the
// console, then the report collector.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	capabilities := make([]protocol.Verb, 0, len(cfg.Bridge.DefaultCapabilities))
	for _, name := range cfg.Bridge.DefaultCapabilities {
		capabilities = append(capabilities, protocol.Verb(name))
	}

	registry := session.NewRegistry(session.Config{
		GracePeriod:         cfg.Bridge.GracePeriod,
		DefaultCapabilities: capabilities,
		Logger:              logger,
	})
	dispatcher := dispatch.New(dispatch.Config{
		Sessions:        registry,
		DefaultDeadline: cfg.Dispatch.DefaultDeadline,
		MaxDeadline:     cfg.Dispatch.MaxDeadline,
		SweepInterval:   cfg.Dispatch.SweepInterval,
		OutboxSize:      cfg.Dispatch.OutboxSize,
		Logger:          logger,
	})
	router := fanout.New(fanout.Config{
		ReplayWindow:     cfg.Fanout.ReplayWindow,
		SubscriberBuffer: cfg.Fanout.SubscriberBuffer,
		Sessions:         registry,
		Logger:           logger,
	})

	listeners, err := openListeners(cfg.Bridge, logger)
	if err != nil {
		return err
	}

	collector, err := newCollector(cfg, registry, logger)
	if err != nil {
		closeListeners(listeners)
		return err
	}

	b := &bridge.Bridge{
		Listeners:         listeners,
		Registry:          registry,
		Dispatcher:        dispatcher,
		Router:            router,
		HandshakeTimeout:  cfg.Bridge.HandshakeTimeout,
		IdleTimeout:       cfg.Bridge.IdleTimeout,
		HeartbeatInterval: cfg.Bridge.HeartbeatInterval,
		ExpiryInterval:    cfg.Bridge.ExpiryInterval,
		ReorderWindow:     cfg.Bridge.ReorderWindow,
		ReorderTimeout:    cfg.Bridge.ReorderTimeout,
		MaxFrameSize:      cfg.Bridge.MaxFrameSize,
		Logger:            logger,
	}
	if collector != nil {
		b.Observer = collector
	}
	if err := b.Start(ctx); err != nil {
		closeListeners(listeners)
		return err
	}

	var api *console.Server
	apiErrors := make(chan error, 1)
	if cfg.API.ListenAddress != "" {
		apiListener, err := net.Listen("tcp", cfg.API.ListenAddress)
		if err != nil {
			b.Stop()
			return fmt.Errorf("console listen on %s: %w", cfg.API.ListenAddress, err)
		}
		api = console.New(console.Config{
			Sessions:     registry,
			Commands:     dispatcher,
			Events:       router,
			JWTSecret:    []byte(cfg.API.JWTSecret),
			PingInterval: cfg.API.PingInterval,
			Logger:       logger,
		})
		go func() { apiErrors <- api.Serve(apiListener) }()
	}

	logger.Info("hyperbridge started",
		"version", version.Info(),
		"environment", cfg.Environment,
		"listeners", len(listeners),
		"console", cfg.API.ListenAddress,
		"reports", cfg.Report.Directory,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-apiErrors:
		if err != nil {
			runErr = fmt.Errorf("console: %w", err)
		}
	}

	logger.Info("shutting down")
	b.Stop()
	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("console shutdown", "error", err)
		}
		cancel()
	}
	if collector != nil {
		collector.Close()
	}
	logger.Info("hyperbridge stopped")
	return runErr
}

func openListeners(cfg config.BridgeConfig, logger *slog.Logger) ([]transport.Listener, error) {
	var listeners []transport.Listener
	if cfg.ListenAddress != "" {
		keepalive := netutil.KeepaliveConfig{
			Idle:     cfg.Keepalive.Idle,
			Interval: cfg.Keepalive.Interval,
			Count:    cfg.Keepalive.Count,
		}
		listener, err := transport.NewTCPListener(cfg.ListenAddress, keepalive, logger)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, listener)
	}
	if cfg.UnixSocket != "" {
		listener, err := transport.NewUnixListener(cfg.UnixSocket)
		if err != nil {
			closeListeners(listeners)
			return nil, err
		}
		listeners = append(listeners, listener)
	}
	if len(cfg.SerialSockets) > 0 {
		listeners = append(listeners, transport.NewSerialDialer(transport.SerialConfig{
			Paths:  cfg.SerialSockets,
			Redial: cfg.SerialRedial,
			Logger: logger,
		}))
	}
	return listeners, nil
}

func closeListeners(listeners []transport.Listener) {
	for _, listener := range listeners {
		listener.Close()
	}
}

// newCollector returns nil when reports are disabled.
func newCollector(cfg *config.Config, registry *session.Registry, logger *slog.Logger) (*report.Collector, error) {
	if cfg.Report.Directory == "" {
		return nil, nil
	}
	sink, err := report.NewFileSink(cfg.Report.Directory, cfg.Report.Compression, cfg.Report.Recipients)
	if err != nil {
		return nil, err
	}
	collectorConfig := report.CollectorConfig{
		Sessions:  registry,
		Sink:      sink,
		MaxEvents: cfg.Report.MaxEvents,
		Logger:    logger,
	}
	if cfg.Enrichment.URL != "" {
		collectorConfig.Scorer = enrich.NewHTTPScorer(cfg.Enrichment.URL, cfg.Enrichment.Timeout)
		collectorConfig.ScoreTimeout = cfg.Enrichment.Timeout
	}
	return report.NewCollector(collectorConfig), nil
}
