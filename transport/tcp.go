// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/lib/netutil"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts guest agents over TCP and tunes keepalive on
// every accepted link, so a guest whose VM was paused or torn down is
// noticed by the kernel even when no frame is in flight.
type TCPListener struct {
	listener  net.Listener
	keepalive netutil.KeepaliveConfig
	logger    *slog.Logger
}

// NewTCPListener listens on address (e.g. "0.0.0.0:9001"). Use ":0"
// for a random available port. A zero keepalive leaves the kernel
// defaults in place.
func NewTCPListener(address string, keepalive netutil.KeepaliveConfig, logger *slog.Logger) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPListener{listener: listener, keepalive: keepalive, logger: logger}, nil
}

// Accept returns the next agent connection.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := acceptContext(ctx, l.listener)
	if err != nil {
		return nil, err
	}
	if err := netutil.TuneKeepalive(conn, l.keepalive); err != nil {
		// The link still works without tuning; the idle timeout
		// catches dead peers eventually.
		l.logger.Warn("tuning tcp keepalive failed",
			"remote_addr", conn.RemoteAddr().String(),
			"error", err,
		)
	}
	return conn, nil
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops accepting connections.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer opens TCP links to the bridge. Used by the mock agent.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout; only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
