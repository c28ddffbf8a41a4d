// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// Status is the terminal state of a command.
type Status string

const (
	// StatusSuccess means the agent reported success.
	StatusSuccess Status = "success"

	// StatusFailure means the agent replied and reported failure.
	StatusFailure Status = "failure"

	// StatusTimeout means the deadline passed without a result.
	StatusTimeout Status = "timeout"

	// StatusSessionGone means the session expired, or the bridge shut
	// down, while the command was pending.
	StatusSessionGone Status = "session-gone"
)

// Outcome is the terminal result of a Call.
type Outcome struct {
	Status Status `json:"status"`

	// Result is the agent's reply for StatusSuccess and StatusFailure.
	Result *protocol.CommandResult `json:"result,omitempty"`

	// Err is ErrTimeout, ErrSessionGone or ErrClosed for outcomes the
	// agent did not produce.
	Err error `json:"-"`

	// Sent reports whether the command was handed to a transport.
	Sent bool `json:"sent"`

	CompletedAt time.Time `json:"completed_at"`
}

// Call is one submitted command.
type Call struct {
	sessionID string
	command   protocol.Command
	done      chan struct{}

	// Guarded by the dispatcher lock until done is closed; immutable
	// afterwards.
	sent    bool
	outcome Outcome
}

// RequestID returns the id correlating the command with its result.
func (c *Call) RequestID() string { return c.command.RequestID }

// SessionID returns the target session.
func (c *Call) SessionID() string { return c.sessionID }

// Command returns the command as it is sent to the agent.
func (c *Call) Command() protocol.Command { return c.command }

// Done is closed when the call reaches its outcome.
func (c *Call) Done() <-chan struct{} { return c.done }

// Outcome returns the outcome and true once Done is closed.
func (c *Call) Outcome() (Outcome, bool) {
	select {
	case <-c.done:
		return c.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the call completes or ctx is done. Abandoning the
// wait does not cancel the command.
func (c *Call) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
