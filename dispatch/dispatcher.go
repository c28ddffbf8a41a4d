// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

var (
	// ErrSessionUnavailable means the session is unknown or not
	// Connected.
	ErrSessionUnavailable = errors.New("dispatch: session unavailable")

	// ErrUnsupportedVerb means the verb is outside the session's
	// negotiated capability set.
	ErrUnsupportedVerb = errors.New("dispatch: unsupported verb")

	// ErrInvalidCommand means the arguments do not fit the verb.
	ErrInvalidCommand = errors.New("dispatch: invalid command")

	// ErrOutboxFull means too many commands are queued for the session.
	ErrOutboxFull = errors.New("dispatch: session outbox full")

	// ErrTimeout is the Err of a StatusTimeout outcome.
	ErrTimeout = errors.New("dispatch: command timed out")

	// ErrSessionGone is the Err of a StatusSessionGone outcome caused
	// by session expiry.
	ErrSessionGone = errors.New("dispatch: session gone")

	// ErrClosed is returned by Submit after Close, and is the Err of
	// outcomes failed by Close.
	ErrClosed = errors.New("dispatch: dispatcher closed")
)

// SessionLookup is the registry view the dispatcher consults.
type SessionLookup interface {
	Lookup(id string) (session.Session, error)
}

// Config configures a Dispatcher.
type Config struct {
	Sessions SessionLookup

	// DefaultDeadline applies when Submit is given a zero timeout.
	DefaultDeadline time.Duration

	// MaxDeadline caps every timeout.
	MaxDeadline time.Duration

	// SweepInterval is the period of Run.
	SweepInterval time.Duration

	// OutboxSize bounds queued, unsent commands per session.
	OutboxSize int

	Clock        clock.Clock
	NewRequestID func() string
	Logger       *slog.Logger
}

// Dispatcher owns the in-flight command table and the per-session
// outboxes. Safe for concurrent use.
type Dispatcher struct {
	sessions        SessionLookup
	defaultDeadline time.Duration
	maxDeadline     time.Duration
	sweepInterval   time.Duration
	outboxSize      int
	clock           clock.Clock
	newRequestID    func() string
	logger          *slog.Logger

	mu       sync.Mutex
	inFlight map[string]*Call
	outboxes map[string]chan *Call
	closed   bool
}

// New creates a Dispatcher.
func New(config Config) *Dispatcher {
	dispatcher := &Dispatcher{
		sessions:        config.Sessions,
		defaultDeadline: config.DefaultDeadline,
		maxDeadline:     config.MaxDeadline,
		sweepInterval:   config.SweepInterval,
		outboxSize:      config.OutboxSize,
		clock:           config.Clock,
		newRequestID:    config.NewRequestID,
		logger:          config.Logger,
		inFlight:        make(map[string]*Call),
		outboxes:        make(map[string]chan *Call),
	}
	if dispatcher.defaultDeadline <= 0 {
		dispatcher.defaultDeadline = 30 * time.Second
	}
	if dispatcher.maxDeadline < dispatcher.defaultDeadline {
		dispatcher.maxDeadline = dispatcher.defaultDeadline
	}
	if dispatcher.sweepInterval <= 0 {
		dispatcher.sweepInterval = 250 * time.Millisecond
	}
	if dispatcher.outboxSize <= 0 {
		dispatcher.outboxSize = 64
	}
	if dispatcher.clock == nil {
		dispatcher.clock = clock.Real()
	}
	if dispatcher.newRequestID == nil {
		dispatcher.newRequestID = uuid.NewString
	}
	if dispatcher.logger == nil {
		dispatcher.logger = slog.Default()
	}
	return dispatcher
}

// Submit queues a command for sessionID. A zero timeout means the
// default deadline; larger timeouts are clamped to the maximum.
func (d *Dispatcher) Submit(sessionID string, verb protocol.Verb, args protocol.Args, timeout time.Duration) (*Call, error) {
	target, err := d.sessions.Lookup(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSessionUnavailable, sessionID, err)
	}
	if target.State != session.Connected {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionUnavailable, sessionID, target.State)
	}
	if !verb.Known() || !target.Supports(verb) {
		return nil, fmt.Errorf("%w: %s not in %v", ErrUnsupportedVerb, verb, target.Capabilities)
	}
	if err := args.Validate(verb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	if timeout <= 0 {
		timeout = d.defaultDeadline
	}
	if timeout > d.maxDeadline {
		timeout = d.maxDeadline
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	requestID := d.newRequestID()
	for d.inFlight[requestID] != nil {
		requestID = d.newRequestID()
	}
	now := d.clock.Now()
	call := &Call{
		sessionID: sessionID,
		command: protocol.Command{
			RequestID: requestID,
			Verb:      verb,
			Args:      args,
			IssuedAt:  now,
			Deadline:  now.Add(timeout),
		},
		done: make(chan struct{}),
	}

	select {
	case d.outboxLocked(sessionID) <- call:
	default:
		return nil, fmt.Errorf("%w: %s", ErrOutboxFull, sessionID)
	}
	d.inFlight[requestID] = call
	d.logger.Debug("command submitted",
		"session_id", sessionID,
		"request_id", requestID,
		"command", call.command.String(),
		"timeout", timeout,
	)
	return call, nil
}

func (d *Dispatcher) outboxLocked(sessionID string) chan *Call {
	outbox, ok := d.outboxes[sessionID]
	if !ok {
		outbox = make(chan *Call, d.outboxSize)
		d.outboxes[sessionID] = outbox
	}
	return outbox
}

// Outbound returns the queue of commands for sessionID. The bridge
// connection bound to the session is its only consumer.
func (d *Dispatcher) Outbound(sessionID string) <-chan *Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outboxLocked(sessionID)
}

// BeginSend marks the call as handed to the transport. It returns
// false when the call is already terminal (or its deadline has passed,
// in which case it completes with a timeout now) and must not be
// written.
func (d *Dispatcher) BeginSend(call *Call) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[call.RequestID()] != call || call.sent {
		return false
	}
	if !d.clock.Now().Before(call.command.Deadline) {
		d.completeLocked(call, Outcome{Status: StatusTimeout, Err: ErrTimeout})
		return false
	}
	call.sent = true
	return true
}

// Requeue puts an unsent call taken from Outbound back at the tail of
// its session's queue, for a consumer that stopped before it could
// write it. It returns false when the call is no longer in flight, was
// already sent, or the queue is full; a call left unqueued still
// completes at its deadline.
func (d *Dispatcher) Requeue(call *Call) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[call.RequestID()] != call || call.sent {
		return false
	}
	select {
	case d.outboxLocked(call.sessionID) <- call:
		return true
	default:
		return false
	}
}

// OnResult completes the call matching a command-result event. The
// event's SessionID must be stamped by the bridge. It returns false for
// any other event, for results whose request id is not in flight, and
// for results arriving from a session other than the one the command
// was sent to.
func (d *Dispatcher) OnResult(event protocol.Event) bool {
	if event.Kind != protocol.KindCommandResult {
		return false
	}
	sessionID := event.SessionID
	result, err := event.CommandResult()
	if err != nil {
		d.logger.Warn("undecodable command result", "session_id", sessionID, "error", err)
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	call, ok := d.inFlight[result.RequestID]
	if !ok {
		d.logger.Debug("result for a command that is not in flight",
			"session_id", sessionID,
			"request_id", result.RequestID,
		)
		return false
	}
	if call.sessionID != sessionID {
		d.logger.Warn("command result from the wrong session",
			"session_id", sessionID,
			"request_id", result.RequestID,
			"owner_session_id", call.sessionID,
		)
		return false
	}
	status := StatusFailure
	if result.Success {
		status = StatusSuccess
	}
	d.completeLocked(call, Outcome{Status: status, Result: &result})
	return true
}

// Sweep completes every call whose deadline has passed with a timeout
// and returns how many it completed.
func (d *Dispatcher) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	count := 0
	for _, call := range d.inFlight {
		if !now.Before(call.command.Deadline) {
			d.completeLocked(call, Outcome{Status: StatusTimeout, Err: ErrTimeout})
			count++
		}
	}
	return count
}

// Run sweeps on the configured interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count := d.Sweep(); count > 0 {
				d.logger.Info("commands timed out", "count", count)
			}
		}
	}
}

// FailSession completes every pending call for sessionID with
// StatusSessionGone and discards its outbox. It returns the number of
// calls failed.
func (d *Dispatcher) FailSession(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, call := range d.inFlight {
		if call.sessionID == sessionID {
			d.completeLocked(call, Outcome{Status: StatusSessionGone, Err: ErrSessionGone})
			count++
		}
	}
	delete(d.outboxes, sessionID)
	return count
}

// Close rejects further submissions and fails every pending call with
// StatusSessionGone and ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, call := range d.inFlight {
		d.completeLocked(call, Outcome{Status: StatusSessionGone, Err: ErrClosed})
	}
	clear(d.outboxes)
}

// Pending returns the number of calls in flight for sessionID, or for
// every session when sessionID is empty.
func (d *Dispatcher) Pending(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sessionID == "" {
		return len(d.inFlight)
	}
	count := 0
	for _, call := range d.inFlight {
		if call.sessionID == sessionID {
			count++
		}
	}
	return count
}

// completeLocked is the only place a call leaves the in-flight table.
func (d *Dispatcher) completeLocked(call *Call, outcome Outcome) {
	delete(d.inFlight, call.RequestID())
	outcome.Sent = call.sent
	outcome.CompletedAt = d.clock.Now()
	call.outcome = outcome
	close(call.done)
	d.logger.Info("command completed",
		"session_id", call.sessionID,
		"request_id", call.RequestID(),
		"verb", call.command.Verb,
		"status", outcome.Status,
		"sent", outcome.Sent,
	)
}
