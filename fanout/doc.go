// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fanout delivers each session's accepted events to every
// subscriber of that session, in sequence order, with a bounded replay
// window for subscribers that attach late or reattach.
//
// A subscriber sees a stream of [Delivery] values:
//
//   - event: one accepted event. Sequence numbers strictly increase.
//   - gap: a contiguous range of sequence numbers the subscriber will
//     never receive, either because the bridge gave up waiting for them
//     or because a resume point fell out of the replay window.
//   - state: a session state change (connected, disconnected). Live
//     only; never replayed.
//   - end: the stream is over. The channel is closed right after it.
//
// Together the event and gap deliveries cover every sequence number
// after the subscriber's start point exactly once, so a consumer can
// always account for every number.
//
// Publishing never blocks. A subscriber whose channel fills up is
// closed with an end delivery whose reason is [ReasonLagged] and whose
// Sequence is the last one it was given; it can resubscribe with that
// value as its resume point. One channel slot is always held back for
// the end delivery, so the end notice itself is never dropped.
//
// Replay happens under the same lock that publishes, so no event can
// fall between a subscriber's replay and its first live delivery.
package fanout
