// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/lib/netutil"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

// link is the session.Transport handle of one guest connection.
type link struct {
	id   string
	conn net.Conn
}

var _ session.Transport = (*link)(nil)

func (l *link) ConnectionID() string { return l.id }

func (l *link) RemoteAddr() string {
	if address := l.conn.RemoteAddr(); address != nil && address.String() != "" {
		return address.String()
	}
	return "local"
}

// serve runs one link from handshake to teardown.
func (b *Bridge) serve(ctx context.Context, conn net.Conn) error {
	current := &link{id: b.nextLinkID(), conn: conn}
	logger := b.logger().With("connection_id", current.id, "remote_addr", current.RemoteAddr())
	logger.Debug("link accepted")

	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopClosing := context.AfterFunc(linkCtx, func() { conn.Close() })
	defer stopClosing()
	defer conn.Close()

	reader := protocol.NewReader(conn, b.MaxFrameSize)
	bound, err := b.handshake(current, reader, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("handshake failed", "error", err)
		return err
	}
	sessionID := bound.ID
	logger = logger.With("session_id", sessionID)
	sequencer := b.sequencer(sessionID)

	writeErr := make(chan error, 1)
	go func() {
		err := b.writeLoop(linkCtx, current, sessionID, logger)
		cancel()
		writeErr <- err
	}()
	readErr := b.readLoop(current, reader, sessionID, sequencer, logger)
	cancel()
	conn.Close()
	failure := <-writeErr
	if failure == nil {
		failure = readErr
	}

	if _, err := b.Registry.MarkDisconnected(sessionID, current); err == nil {
		b.Router.NotifyState(sessionID, session.Disconnected)
	}

	switch {
	case ctx.Err() != nil:
		logger.Info("link closed by shutdown")
		return nil
	case errors.Is(failure, ErrProtocolViolation):
		logger.Warn("link dropped", "error", failure)
	case netutil.IsExpectedCloseError(failure):
		logger.Info("agent disconnected", "last_sequence", sequencer.lastAccepted())
	default:
		logger.Warn("link lost", "error", failure, "last_sequence", sequencer.lastAccepted())
	}
	return failure
}

// handshake reads session-init, binds the link to a session and writes
// the welcome.
func (b *Bridge) handshake(current *link, reader *protocol.Reader, logger *slog.Logger) (session.Session, error) {
	conn := current.conn
	conn.SetReadDeadline(time.Now().Add(b.HandshakeTimeout))
	message, err := reader.Next()
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: reading session-init: %w", ErrHandshake, err)
	}
	event, ok := message.(protocol.Event)
	if !ok || event.Kind != protocol.KindSessionInit {
		return session.Session{}, fmt.Errorf("%w: first frame is %s, want session-init", ErrHandshake, describe(message))
	}
	var init protocol.SessionInit
	if err := event.DecodePayload(&init); err != nil {
		return session.Session{}, fmt.Errorf("%w: session-init payload: %w", ErrHandshake, err)
	}

	bound, resumed, err := b.Registry.Register(session.HandshakeFrom(init), current)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if !resumed {
		if bound, err = b.Registry.MarkConnected(bound.ID, current); err != nil {
			return session.Session{}, fmt.Errorf("%w: %w", ErrHandshake, err)
		}
	}

	welcome := protocol.Welcome{
		SessionID:           bound.ID,
		Resumed:             resumed,
		LastSequence:        b.sequencer(bound.ID).lastAccepted(),
		HeartbeatIntervalMS: b.HeartbeatInterval.Milliseconds(),
	}
	conn.SetWriteDeadline(time.Now().Add(b.HandshakeTimeout))
	if err := protocol.WriteMessage(conn, welcome); err != nil {
		b.Registry.MarkDisconnected(bound.ID, current)
		return session.Session{}, fmt.Errorf("%w: writing welcome: %w", ErrHandshake, err)
	}
	conn.SetWriteDeadline(time.Time{})
	b.Router.NotifyState(bound.ID, session.Connected)

	logger.Info("session bound",
		"session_id", bound.ID,
		"resumed", resumed,
		"hostname", bound.Hostname,
		"agent_last_sequence", init.LastSequence,
		"bridge_last_sequence", welcome.LastSequence,
	)
	return bound, nil
}

// readLoop consumes frames until the link fails.
func (b *Bridge) readLoop(current *link, reader *protocol.Reader, sessionID string, sequencer *resequencer, logger *slog.Logger) error {
	for {
		current.conn.SetReadDeadline(time.Now().Add(b.IdleTimeout))
		message, err := reader.Next()
		if err != nil {
			var decodeErr *protocol.DecodeError
			switch {
			case errors.As(err, &decodeErr):
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			case netutil.IsTimeout(err):
				return fmt.Errorf("%w: no frame for %s: %w", ErrTransportLost, b.IdleTimeout, err)
			default:
				return fmt.Errorf("%w: %w", ErrTransportLost, err)
			}
		}

		event, ok := message.(protocol.Event)
		if !ok {
			return fmt.Errorf("%w: agent sent a %s frame", ErrProtocolViolation, message.FrameType())
		}
		switch event.Kind {
		case protocol.KindSessionInit:
			return fmt.Errorf("%w: session-init after the handshake", ErrProtocolViolation)
		case protocol.KindHeartbeat:
			var heartbeat protocol.Heartbeat
			if err := event.DecodePayload(&heartbeat); err != nil {
				return fmt.Errorf("%w: heartbeat payload: %w", ErrProtocolViolation, err)
			}
			if err := b.Registry.Heartbeat(sessionID, heartbeat.Protected); err != nil {
				logger.Warn("recording heartbeat", "error", err)
			}
			continue
		}

		if err := b.Registry.Touch(sessionID); err != nil {
			logger.Warn("touching session", "error", err)
		}
		event.SessionID = sessionID
		b.acceptEvent(sequencer, event, logger)
	}
}

// acceptEvent resequences a data event and delivers whatever it
// releases.
func (b *Bridge) acceptEvent(sequencer *resequencer, event protocol.Event, logger *slog.Logger) {
	duplicate := sequencer.offer(event, b.releaser(event.SessionID, logger))
	if duplicate {
		logger.Debug("duplicate event dropped", "seq", event.Sequence, "kind", event.Kind)
		return
	}
	logger.Debug("event accepted", "seq", event.Sequence, "kind", event.Kind, "held", sequencer.pending())
}

// writeLoop is the link's only writer. It returns nil when ctx ends and
// an ErrTransportLost error when a write fails.
func (b *Bridge) writeLoop(ctx context.Context, current *link, sessionID string, logger *slog.Logger) error {
	outbound := b.Dispatcher.Outbound(sessionID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-outbound:
			// Both cases can be ready at once; a stopping link leaves
			// the command queued for the next link.
			if ctx.Err() != nil {
				if !b.Dispatcher.Requeue(call) {
					logger.Debug("command not requeued", "request_id", call.RequestID())
				}
				return nil
			}
			if !b.Dispatcher.BeginSend(call) {
				continue
			}
			command := call.Command()
			current.conn.SetWriteDeadline(time.Now().Add(b.WriteTimeout))
			if err := protocol.WriteMessage(current.conn, command); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: writing command %s: %w", ErrTransportLost, command.RequestID, err)
			}
			logger.Info("command sent",
				"request_id", command.RequestID,
				"verb", command.Verb,
				"deadline", command.Deadline,
			)
		}
	}
}

func describe(message protocol.Message) string {
	if event, ok := message.(protocol.Event); ok {
		return fmt.Sprintf("a %s event", event.Kind)
	}
	return fmt.Sprintf("a %s frame", message.FrameType())
}
