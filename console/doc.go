// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package console is the analyst-facing HTTP and WebSocket interface
// of the bridge.
//
// Routes:
//
//	GET  /v1/health
//	GET  /v1/sessions
//	GET  /v1/sessions/:id
//	POST /v1/sessions/:id/commands
//	GET  /v1/sessions/:id/events?resume_from=N  (WebSocket)
//
// A command request names a verb with structured args, or carries the
// analyst text form in "line". The request blocks until the command
// resolves, so the response always carries a terminal outcome.
//
// The event stream sends one JSON [fanout.Delivery] per text message.
// A client that reconnects passes the seq of the last delivery it
// processed as resume_from. The server pings at a fixed interval and
// drops streams whose peer stops answering.
//
// When a JWT secret is configured every route except health requires
// an HS256 bearer token, in the Authorization header or, for browser
// WebSocket clients that cannot set headers, the token query
// parameter.
package console
