// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"time"
)

// Welcome is the bridge's reply to session-init.
type Welcome struct {
	// SessionID is the id the agent must present on reconnect. It
	// differs from the presented id when that session had expired.
	SessionID string `json:"session_id"`

	// Resumed is true when an existing session was rebound.
	Resumed bool `json:"resumed"`

	// LastSequence is the highest sequence the bridge has accepted for
	// this session. The agent retransmits everything after it.
	LastSequence uint64 `json:"last_sequence"`

	// HeartbeatIntervalMS is how often the agent should heartbeat.
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// FrameType implements Message.
func (Welcome) FrameType() FrameType { return FrameWelcome }

// Validate requires a session id and a non-negative interval.
func (w Welcome) Validate() error {
	if w.SessionID == "" {
		return errors.New("welcome requires session_id")
	}
	if w.HeartbeatIntervalMS < 0 {
		return errors.New("welcome heartbeat interval must not be negative")
	}
	return nil
}

// HeartbeatInterval returns HeartbeatIntervalMS as a duration.
func (w Welcome) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMS) * time.Millisecond
}
