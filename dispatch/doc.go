// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch sends analyst commands to guest sessions and
// correlates their results.
//
// [Dispatcher.Submit] validates a command against the session registry
// (the session must be Connected and must support the verb), assigns a
// request id and queues the command on the session's outbox. The
// bridge connection serving that session drains the outbox with
// [Dispatcher.Outbound], calls [Dispatcher.BeginSend] immediately
// before writing, and feeds every inbound command-result event to
// [Dispatcher.OnResult].
//
// Each [Call] reaches exactly one terminal [Outcome]. The in-flight
// table is the single completion point: whichever of result, timeout
// ([Dispatcher.Sweep]), session expiry ([Dispatcher.FailSession]) or
// teardown ([Dispatcher.Close]) removes the call from it first decides
// the outcome, and every later trigger finds nothing to complete.
//
// Commands are never resent. A command taken from the outbox is
// written at most once; a command lost with its transport resolves by
// late result or by timeout, and retrying is the caller's decision.
package dispatch
