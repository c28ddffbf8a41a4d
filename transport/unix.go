// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*UnixListener)(nil)
	_ Dialer   = (*UnixDialer)(nil)
)

// UnixListener accepts agent links relayed through a local socket,
// typically by a per-VM helper that owns the guest's virtio channel.
type UnixListener struct {
	path     string
	listener *net.UnixListener
}

// NewUnixListener creates the socket at path, replacing a stale socket
// left by a previous run. The parent directory is created if needed.
// Regular files at path are never removed.
func NewUnixListener(path string) (*UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if info, err := os.Lstat(path); err == nil {
		if info.Mode().Type() != fs.ModeSocket {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	listener.SetUnlinkOnClose(true)
	if err := os.Chmod(path, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return &UnixListener{path: path, listener: listener}, nil
}

// Accept returns the next relayed agent connection.
func (l *UnixListener) Accept(ctx context.Context) (net.Conn, error) {
	return acceptContext(ctx, l.listener)
}

// Address returns the socket path with a unix: prefix, the form
// ParseAddress accepts.
func (l *UnixListener) Address() string {
	return "unix:" + l.path
}

// Close stops accepting and removes the socket file.
func (l *UnixListener) Close() error {
	return l.listener.Close()
}

// UnixDialer opens links over unix sockets.
type UnixDialer struct {
	Timeout time.Duration
}

// DialContext connects to the socket at path.
func (d *UnixDialer) DialContext(ctx context.Context, path string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "unix", path)
}
