// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the package tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern used when a test waits on a channel fed by a bridge or
// dispatcher goroutine. They are the only place tests touch the real
// clock; everything else runs on [clock.FakeClock].
//
// [SocketDir] returns a short temporary directory for unix sockets,
// whose paths are limited to 108 bytes.
//
// This package depends on no other packages in this module.
package testutil
