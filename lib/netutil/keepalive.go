// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"net"
	"time"
)

// KeepaliveConfig controls TCP-level liveness probing of a guest link.
type KeepaliveConfig struct {
	// Idle is the quiet time before the first probe. Zero disables
	// keepalive tuning entirely.
	Idle time.Duration

	// Interval is the time between unanswered probes.
	Interval time.Duration

	// Count is the number of unanswered probes before the kernel
	// drops the connection.
	Count int
}

// TuneKeepalive applies config to conn if it is a TCP connection.
// Non-TCP connections (unix sockets, VM serial channels) are left
// alone and nil is returned.
func TuneKeepalive(conn net.Conn, config KeepaliveConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok || config.Idle <= 0 {
		return nil
	}
	if err := tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     config.Idle,
		Interval: config.Interval,
		Count:    config.Count,
	}); err != nil {
		return err
	}
	return setUserTimeout(tcpConn, config.Idle+config.Interval*time.Duration(config.Count))
}
