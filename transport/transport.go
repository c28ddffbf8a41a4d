// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Listener yields inbound guest links.
type Listener interface {
	// Accept blocks until the next link is established or ctx is done.
	// It returns net.ErrClosed after Close.
	Accept(ctx context.Context) (net.Conn, error)

	// Address describes where the listener is reachable, for logs and
	// for agents configured by hand.
	Address() string

	// Close stops accepting. Links already returned stay open.
	Close() error
}

// Dialer opens the agent side of a link.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// ParseAddress splits a link address into a network and an address.
// Accepted forms are "tcp://host:port", "unix:///path/to/socket",
// "unix:/path/to/socket" and a bare "host:port".
func ParseAddress(raw string) (network, address string, err error) {
	switch {
	case raw == "":
		return "", "", fmt.Errorf("transport: empty address")
	case strings.HasPrefix(raw, "tcp://"):
		network, address = "tcp", strings.TrimPrefix(raw, "tcp://")
	case strings.HasPrefix(raw, "unix://"):
		network, address = "unix", strings.TrimPrefix(raw, "unix://")
	case strings.HasPrefix(raw, "unix:"):
		network, address = "unix", strings.TrimPrefix(raw, "unix:")
	case strings.Contains(raw, "://"):
		return "", "", fmt.Errorf("transport: unsupported scheme in %q", raw)
	default:
		network, address = "tcp", raw
	}
	if address == "" {
		return "", "", fmt.Errorf("transport: %s address %q has no target", network, raw)
	}
	if network == "tcp" {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", "", fmt.Errorf("transport: %q: %w", raw, err)
		}
	}
	return network, address, nil
}

// DialAddress opens a link to a parsed address. timeout bounds
// connection establishment; zero leaves only the context deadline.
func DialAddress(ctx context.Context, raw string, timeout time.Duration) (net.Conn, error) {
	network, address, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	var dialer Dialer
	switch network {
	case "unix":
		dialer = &UnixDialer{Timeout: timeout}
	default:
		dialer = &TCPDialer{Timeout: timeout}
	}
	return dialer.DialContext(ctx, address)
}

// deadliner is implemented by *net.TCPListener and *net.UnixListener.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// acceptContext runs listener.Accept so that cancelling ctx unblocks it
// without closing the listener.
func acceptContext(ctx context.Context, listener net.Listener) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	settable, ok := listener.(deadliner)
	if ok {
		settable.SetDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() { settable.SetDeadline(time.Now()) })
		defer stop()
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return conn, nil
}
