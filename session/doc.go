// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks guest agent sessions across transport
// reconnects.
//
// A [Session] is the logical identity of one guest agent. It outlives
// any single connection: when the transport drops the session moves to
// Disconnected and may be resumed by a connection presenting the same
// id within the grace period. After the grace period [Registry.Expire]
// moves it to Expired, which is terminal. An expired id is never
// rebound; a guest presenting it is registered as a new session with a
// fresh id.
//
//	Handshaking -> Connected -> Disconnected -> Expired
//	                   ^             |
//	                   +-------------+  (reconnect within grace)
//
// The registry enforces that at most one live [Transport] is bound to a
// session. Binding is a single check-and-set under the registry lock,
// so a stale connection that is still draining cannot race a fresh
// reconnect: [Registry.MarkDisconnected] only unbinds the transport that
// is currently bound.
//
// Every accessor returns a copy. The registry is the only owner of the
// mutable records.
package session
