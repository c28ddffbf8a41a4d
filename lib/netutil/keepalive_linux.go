// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package netutil

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setUserTimeout sets TCP_USER_TIMEOUT so that unacknowledged writes
// (a command sent to a frozen guest) fail after timeout instead of the
// kernel's default of many minutes.
func setUserTimeout(conn *net.TCPConn, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw connection: %w", err)
	}
	var sockoptErr error
	controlErr := raw.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(timeout.Milliseconds()))
	})
	if controlErr != nil {
		return fmt.Errorf("raw control: %w", controlErr)
	}
	if sockoptErr != nil {
		return fmt.Errorf("setting TCP_USER_TIMEOUT: %w", sockoptErr)
	}
	return nil
}
