// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
	"github.com/hyperbridge-labs/hyperbridge/lib/version"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// errNotConnected means an event was buffered rather than written.
var errNotConnected = errors.New("not connected")

// Agent simulates a guest agent. It keeps one link to the bridge at a
// time, redials when the link drops, and resumes its session: events
// emitted while offline, or lost with the old link, are retransmitted
// from its history after the bridge's last accepted sequence.
type Agent struct {
	// Dial opens a link to the bridge.
	Dial func(ctx context.Context) (net.Conn, error)

	Identity     Identity
	Capabilities []protocol.Verb

	// Scenario, when set, replaces the random process generator.
	Scenario *Scenario

	// Interval is the random generator's pause between events.
	Interval time.Duration

	// Count stops generation after this many events. Zero means
	// unlimited; a scenario without repeat stops at its end.
	Count int

	// History bounds the events kept for retransmission.
	History int

	// Redial is the pause between connection attempts.
	Redial time.Duration

	HandshakeTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	sessionID string
	next      uint64
	history   []protocol.Event
	active    []uint32
	emitted   int

	// connected is signalled on every successful handshake.
	connected chan string
}

func (a *Agent) applyDefaults() {
	if a.Interval <= 0 {
		a.Interval = 1500 * time.Millisecond
	}
	if a.History <= 0 {
		a.History = 4096
	}
	if a.Redial <= 0 {
		a.Redial = time.Second
	}
	if a.HandshakeTimeout <= 0 {
		a.HandshakeTimeout = 10 * time.Second
	}
	if a.Clock == nil {
		a.Clock = clock.Real()
	}
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if len(a.Identity.Images) == 0 {
		a.Identity.Images = slices.Clone(fallbackImages)
	}
	a.next = 1
	a.active = []uint32{4, 512, 620}
	if a.connected == nil {
		a.connected = make(chan string, 16)
	}
}

// Run generates events and maintains the bridge link until ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.Dial == nil {
		return errors.New("agent: Dial is required")
	}
	a.applyDefaults()

	var generator sync.WaitGroup
	generator.Add(1)
	go func() {
		defer generator.Done()
		a.generate(ctx)
	}()
	defer generator.Wait()

	for attempt := 0; ; attempt++ {
		conn, err := a.Dial(ctx)
		if err == nil {
			attempt = 0
			err = a.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		if attempt == 0 {
			a.Logger.Warn("bridge link unavailable, redialling", "error", err)
		} else {
			a.Logger.Debug("redial failed", "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-a.Clock.After(a.Redial):
		}
	}
}

// serve handshakes on conn, retransmits, and answers commands until
// the link fails.
func (a *Agent) serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	a.mu.Lock()
	init := protocol.SessionInit{
		SessionID:    a.sessionID,
		Hostname:     a.Identity.Hostname,
		OS:           a.Identity.OS,
		AgentVersion: version.AgentString("hyperbridge-agent-mock"),
		Capabilities: a.Capabilities,
		LastSequence: a.next - 1,
	}
	a.mu.Unlock()
	event, err := protocol.NewEvent(protocol.KindSessionInit, 0, a.Clock.Now(), init)
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(a.Clock.Now().Add(a.HandshakeTimeout))
	if err := protocol.WriteMessage(conn, event); err != nil {
		return fmt.Errorf("sending session-init: %w", err)
	}
	reader := protocol.NewReader(conn, 0)
	message, err := reader.Next()
	if err != nil {
		return fmt.Errorf("awaiting welcome: %w", err)
	}
	welcome, ok := message.(protocol.Welcome)
	if !ok {
		return fmt.Errorf("expected welcome, got %s frame", message.FrameType())
	}
	_ = conn.SetDeadline(time.Time{})

	if err := a.attach(conn, welcome); err != nil {
		return err
	}
	defer a.detach(conn)

	heartbeatDone := make(chan struct{})
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	go func() {
		defer close(heartbeatDone)
		a.heartbeat(heartbeatCtx, welcome.HeartbeatInterval())
	}()
	defer func() {
		cancelHeartbeat()
		<-heartbeatDone
	}()

	for {
		message, err := reader.Next()
		if err != nil {
			return err
		}
		command, ok := message.(protocol.Command)
		if !ok {
			a.Logger.Warn("ignoring unexpected frame", "frame", message.FrameType().String())
			continue
		}
		a.execute(command)
	}
}

// attach adopts the welcome's session, retransmits everything the
// bridge has not accepted, and makes conn the live link.
func (a *Agent) attach(conn net.Conn, welcome protocol.Welcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if welcome.SessionID != a.sessionID {
		if a.sessionID != "" {
			a.Logger.Warn("session was not resumed, starting a new one",
				"old_session_id", a.sessionID,
				"session_id", welcome.SessionID,
			)
		}
		a.sessionID = welcome.SessionID
		a.next = 1
		a.history = nil
	}

	retransmit := 0
	for _, event := range a.history {
		if event.Sequence <= welcome.LastSequence {
			continue
		}
		if err := protocol.WriteMessage(conn, event); err != nil {
			return fmt.Errorf("retransmitting seq %d: %w", event.Sequence, err)
		}
		retransmit++
	}
	a.conn = conn
	a.Logger.Info("connected to bridge",
		"session_id", a.sessionID,
		"resumed", welcome.Resumed,
		"bridge_last_sequence", welcome.LastSequence,
		"retransmitted", retransmit,
	)
	select {
	case a.connected <- a.sessionID:
	default:
	}
	return nil
}

func (a *Agent) detach(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == conn {
		a.conn = nil
	}
}

func (a *Agent) heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := a.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			event, err := protocol.NewEvent(protocol.KindHeartbeat, 0, a.Clock.Now(), protocol.Heartbeat{Protected: true})
			if err != nil {
				return
			}
			a.mu.Lock()
			if a.conn != nil {
				if err := protocol.WriteMessage(a.conn, event); err != nil {
					a.Logger.Debug("heartbeat write failed", "error", err)
				}
			}
			a.mu.Unlock()
		}
	}
}

// emit assigns the next sequence, records the event for
// retransmission and writes it when a link is up.
func (a *Agent) emit(kind protocol.Kind, payload any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	event, err := protocol.NewEvent(kind, a.next, a.Clock.Now(), payload)
	if err != nil {
		return err
	}
	a.next++
	a.history = append(a.history, event)
	if len(a.history) > a.History {
		a.history = slices.Delete(a.history, 0, len(a.history)-a.History)
	}
	if a.conn == nil {
		return errNotConnected
	}
	if err := protocol.WriteMessage(a.conn, event); err != nil {
		// The read loop notices the broken link; the event goes out
		// again after the next welcome.
		a.Logger.Debug("event write failed", "seq", event.Sequence, "error", err)
		return err
	}
	return nil
}

// generate produces events from the scenario or the random process
// generator.
func (a *Agent) generate(ctx context.Context) {
	for step := 0; a.Count == 0 || a.emitted < a.Count; step++ {
		var delay time.Duration
		if a.Scenario != nil {
			if step == len(a.Scenario.Steps) {
				if !a.Scenario.Repeat {
					return
				}
				step = 0
			}
			delay = a.Scenario.delay(step)
		} else {
			delay = a.Interval
		}
		select {
		case <-ctx.Done():
			return
		case <-a.Clock.After(delay):
		}

		var err error
		if a.Scenario != nil {
			current := a.Scenario.Steps[step]
			err = a.emitRaw(current.Kind, current.Payload)
		} else {
			err = a.emit(protocol.KindProcessCreate, a.randomProcess())
		}
		if err != nil && !errors.Is(err, errNotConnected) {
			a.Logger.Debug("emit", "error", err)
		}
		a.emitted++
	}
}

// emitRaw emits a scenario payload verbatim.
func (a *Agent) emitRaw(kind protocol.Kind, payload []byte) error {
	if len(payload) == 0 {
		return a.emit(kind, nil)
	}
	return a.emit(kind, rawPayload(payload))
}

// rawPayload marshals to itself.
type rawPayload []byte

func (p rawPayload) MarshalJSON() ([]byte, error) { return p, nil }

// parentLocked picks a live process as parent, falling back to the
// System process.
func (a *Agent) parentLocked() uint32 {
	if len(a.active) == 0 {
		return 4
	}
	return a.active[rand.IntN(len(a.active))]
}

func (a *Agent) randomProcess() protocol.ProcessCreate {
	a.mu.Lock()
	defer a.mu.Unlock()
	pid := uint32(1000 + rand.IntN(9000))
	parent := a.parentLocked()
	image := a.Identity.Images[rand.IntN(len(a.Identity.Images))]
	a.active = append(a.active, pid)
	if len(a.active) > 15 {
		a.active = a.active[1:]
	}
	return protocol.ProcessCreate{
		PID:         pid,
		PPID:        parent,
		Image:       image,
		CommandLine: image,
	}
}
