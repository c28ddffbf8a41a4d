// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the wire format spoken between the
// hyperbridge host bridge and the resident agent inside each guest VM.
//
// Every message is one frame:
//
//	[1 byte frame type] [4 bytes payload length, big-endian uint32] [payload]
//
// The payload is compact JSON. Three frame types exist:
//
//   - [FrameEvent] (agent to bridge): an [Event] carrying telemetry,
//     the session-init handshake, heartbeats and command results.
//   - [FrameCommand] (bridge to agent): a [Command] issued by an analyst.
//   - [FrameWelcome] (bridge to agent): the [Welcome] handshake reply.
//
// Because the frame type is carried per message, one connection
// interleaves telemetry and command results without a side channel.
// Binary fields (uploaded file contents, screenshots) are []byte in Go
// and therefore base64 text on the wire, which keeps frames printable.
//
// [Decode] never panics on guest-controlled input. It distinguishes
// [ErrIncompleteFrame] (buffer more bytes and retry) from [*DecodeError]
// (the stream is unusable and the connection must be dropped). The
// payload length is checked against the configured maximum before any
// payload-sized allocation, so a hostile length field cannot force a
// large buffer. [Reader] applies the same bound to its internal buffer.
//
// Sequence numbers: data events carry a per-session sequence number
// starting at 1. The control kinds session-init and heartbeat carry 0
// and are never resequenced or replayed.
package protocol
