// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the byte-stream links between guest agents
// and the bridge.
//
// A [Listener] yields one [net.Conn] per guest link. Three
// implementations exist: [TCPListener] accepts agents over the network
// (the default, listening on 0.0.0.0:9001), [UnixListener] accepts
// agents relayed through a local socket, and [SerialDialer] turns VM
// serial channels into links by dialing the hypervisor's chardev
// sockets and redialing whenever a link drops. The bridge treats all
// three identically: framing, handshake and liveness are its concern,
// not the transport's.
//
// A [Dialer] opens the agent side of a link. [DialAddress] parses a
// "tcp://host:port" or "unix:///path" address and picks the matching
// dialer; a bare "host:port" means TCP.
package transport
