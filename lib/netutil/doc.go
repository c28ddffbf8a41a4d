// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides connection helpers shared by the bridge,
// the transports and the HTTP collaborators.
//
// [IsExpectedCloseError] separates normal teardown (EOF, closed
// connection, reset, broken pipe) from failures worth logging. A guest
// agent that dies with its VM produces exactly these errors, and the
// bridge treats them as a plain disconnect.
//
// [TuneKeepalive] configures TCP keepalive probing and, on linux,
// TCP_USER_TIMEOUT, so that a guest whose VM was paused or reverted is
// noticed within a bounded time even when no frames are pending.
//
// [ReadResponse] and [DecodeResponse] bound HTTP response reads at
// [MaxResponseSize].
package netutil
