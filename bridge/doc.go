// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge is the core of hyperbridge: it terminates guest agent
// links and moves traffic between them and the session registry, the
// command dispatcher and the event fanout router.
//
// Each link is served by one goroutine for inbound frames and one for
// outbound commands. The first frame must be session-init; the bridge
// registers or resumes the session and replies with a welcome carrying
// the session id and the highest sequence it has accepted, so a
// reconnecting agent retransmits only what was lost. After the
// handshake:
//
//   - heartbeats refresh the session's liveness and watchdog state;
//   - data events are stamped with the session id and passed through a
//     per-session resequencer that drops duplicates and holds early
//     arrivals within a bounded reorder window. A hole that overflows
//     the window or outlives the reorder timeout is published as a gap.
//     Released events go to the dispatcher's result hook, the router
//     and the [Observer];
//   - commands the dispatcher queues for the session are written by
//     the link's single writer.
//
// A malformed frame, an idle link or a write failure drops the link
// and marks the session disconnected. Sessions that stay disconnected
// beyond the grace period are expired by a background loop, which
// fails their pending commands and ends their subscribers.
//
// [Bridge.Start] binds nothing itself: listeners are created by the
// caller (see package transport) and handed in. [Bridge.ServeConn]
// serves a single already-established link, which is how tests and
// custom transports drive the bridge. [Bridge.Stop] tears everything
// down: listeners, links, pending commands, subscribers.
package bridge
