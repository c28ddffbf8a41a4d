// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/dispatch"
	"github.com/hyperbridge-labs/hyperbridge/fanout"
	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
	"github.com/hyperbridge-labs/hyperbridge/transport"
)

var (
	// ErrStopped is returned by ServeConn before Start or after Stop.
	ErrStopped = errors.New("bridge: stopped")

	// ErrHandshake means the link closed before a session was bound.
	ErrHandshake = errors.New("bridge: handshake failed")

	// ErrTransportLost means the link failed after the handshake. The
	// session stays resumable for the grace period.
	ErrTransportLost = errors.New("bridge: transport lost")

	// ErrProtocolViolation means the agent sent a frame the bridge
	// refuses, and the link was dropped.
	ErrProtocolViolation = errors.New("bridge: protocol violation")
)

// Observer receives every event the bridge accepts, in sequence order
// per session, and the end of every session. The report collector is
// the production observer.
type Observer interface {
	Observe(event protocol.Event)
	SessionEnded(sessionID, reason string)
}

// Bridge serves guest agent links. Registry, Dispatcher and Router are
// required; everything else has a default.
type Bridge struct {
	Listeners []transport.Listener

	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Router     *fanout.Router

	// Observer, when set, sees every accepted event.
	Observer Observer

	// HandshakeTimeout bounds the wait for session-init and the write
	// of the welcome. Default 10s.
	HandshakeTimeout time.Duration

	// IdleTimeout drops a link that delivers no frame for this long.
	// Agent heartbeats keep healthy links alive. Default 30s.
	IdleTimeout time.Duration

	// WriteTimeout bounds each command write. Default 10s.
	WriteTimeout time.Duration

	// HeartbeatInterval is advertised to agents in the welcome.
	// Default 10s.
	HeartbeatInterval time.Duration

	// ExpiryInterval is the period of the session expiry loop.
	// Default 5s.
	ExpiryInterval time.Duration

	// ReorderWindow is the number of out-of-order events held per
	// session before the bridge gives up on the hole and publishes a
	// gap. Zero means events must arrive in order.
	ReorderWindow int

	// ReorderTimeout bounds how long events wait in the reorder window
	// for a missing sequence number. The expiry loop publishes holes
	// older than this as gaps, so the effective bound is ReorderTimeout
	// plus up to one ExpiryInterval. Default 5s.
	ReorderTimeout time.Duration

	// MaxFrameSize bounds inbound frame payloads. Default
	// protocol.DefaultMaxPayload.
	MaxFrameSize int

	// Clock drives the expiry loop. Link deadlines always use the
	// wall clock. Default clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-frame events are logged at Debug level; link and
	// session lifecycle at Info; dropped links and gaps at Warn.
	Logger *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
	linkCount   atomic.Uint64
	active      atomic.Int64

	mu          sync.Mutex
	started     bool
	stopped     bool
	resequencer map[string]*resequencer
}

// logger returns the configured logger or the default.
func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Bridge) applyDefaults() {
	if b.HandshakeTimeout <= 0 {
		b.HandshakeTimeout = 10 * time.Second
	}
	if b.IdleTimeout <= 0 {
		b.IdleTimeout = 30 * time.Second
	}
	if b.WriteTimeout <= 0 {
		b.WriteTimeout = 10 * time.Second
	}
	if b.HeartbeatInterval <= 0 {
		b.HeartbeatInterval = 10 * time.Second
	}
	if b.ExpiryInterval <= 0 {
		b.ExpiryInterval = 5 * time.Second
	}
	if b.ReorderTimeout <= 0 {
		b.ReorderTimeout = 5 * time.Second
	}
	if b.MaxFrameSize <= 0 {
		b.MaxFrameSize = protocol.DefaultMaxPayload
	}
	if b.Clock == nil {
		b.Clock = clock.Real()
	}
}

// Start launches an accept loop per listener, the dispatcher's sweeper
// and the session expiry loop. It returns immediately; the bridge runs
// until Stop is called or ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.Registry == nil || b.Dispatcher == nil || b.Router == nil {
		return errors.New("bridge: Registry, Dispatcher and Router are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge: already started")
	}
	b.started = true
	b.applyDefaults()
	b.resequencer = make(map[string]*resequencer)

	ctx, b.cancel = context.WithCancel(ctx)
	b.ctx = ctx
	b.done = make(chan struct{})

	var loops sync.WaitGroup
	addresses := make([]string, 0, len(b.Listeners))
	for _, listener := range b.Listeners {
		addresses = append(addresses, listener.Address())
		loops.Add(1)
		go func() {
			defer loops.Done()
			b.acceptLoop(ctx, listener)
		}()
	}
	loops.Add(2)
	go func() {
		defer loops.Done()
		b.Dispatcher.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		b.expiryLoop(ctx)
	}()
	go func() {
		loops.Wait()
		close(b.done)
	}()

	b.logger().Info("bridge started",
		"listeners", addresses,
		"handshake_timeout", b.HandshakeTimeout,
		"idle_timeout", b.IdleTimeout,
		"reorder_window", b.ReorderWindow,
	)
	return nil
}

// Stop closes the listeners and every live link, fails every pending
// command, ends every subscriber and reports every remaining session
// to the Observer as shut down. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	for _, listener := range b.Listeners {
		if err := listener.Close(); err != nil {
			b.logger().Debug("closing listener", "address", listener.Address(), "error", err)
		}
	}
	<-b.done
	b.connections.Wait()

	b.mu.Lock()
	sequencers := b.resequencer
	b.resequencer = make(map[string]*resequencer)
	b.mu.Unlock()
	for id, sequencer := range sequencers {
		sequencer.flush(b.releaser(id, b.logger().With("session_id", id)))
	}

	b.Dispatcher.Close()
	remaining := b.Registry.Close()
	if b.Observer != nil {
		for _, id := range remaining {
			b.Observer.SessionEnded(id, fanout.ReasonShutdown)
		}
	}
	b.Router.Close()
	b.logger().Info("bridge stopped", "sessions", len(remaining))
}

// Wait blocks until the bridge's background loops have exited.
func (b *Bridge) Wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ActiveLinks returns the number of links being served.
func (b *Bridge) ActiveLinks() int {
	return int(b.active.Load())
}

// ServeConn serves one established link until it fails, the agent
// disconnects or the bridge stops, and closes it. It returns nil when
// the bridge stopped the link, otherwise an error wrapping
// ErrHandshake, ErrTransportLost or ErrProtocolViolation.
func (b *Bridge) ServeConn(conn net.Conn) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	b.connections.Add(1)
	b.mu.Unlock()
	defer b.connections.Done()

	b.active.Add(1)
	defer b.active.Add(-1)
	return b.serve(b.ctx, conn)
}

// acceptLoop hands every link from listener to its own goroutine.
func (b *Bridge) acceptLoop(ctx context.Context, listener transport.Listener) {
	logger := b.logger().With("listener", listener.Address())
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-b.Clock.After(100 * time.Millisecond):
			}
			continue
		}
		go func() {
			if err := b.ServeConn(conn); errors.Is(err, ErrStopped) {
				logger.Debug("link refused during shutdown")
			}
		}()
	}
}

// expiryLoop runs ExpireSessions on the configured interval.
func (b *Bridge) expiryLoop(ctx context.Context) {
	ticker := b.Clock.NewTicker(b.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flushStaleHolds()
			b.ExpireSessions()
		}
	}
}

// ExpireSessions expires every session whose grace period has elapsed:
// its pending commands fail with session-gone, its subscribers receive
// a session-expired end, and the Observer is told. It returns the ids
// expired.
func (b *Bridge) ExpireSessions() []string {
	expired := b.Registry.Expire()
	for _, id := range expired {
		logger := b.logger().With("session_id", id)

		// Events still waiting on a hole are published behind a gap
		// before the stream ends.
		b.mu.Lock()
		sequencer := b.resequencer[id]
		delete(b.resequencer, id)
		b.mu.Unlock()
		if sequencer != nil {
			if gaps := sequencer.flush(b.releaser(id, logger)); gaps > 0 {
				logger.Warn("released held events at expiry", "gaps", gaps)
			}
		}

		failed := b.Dispatcher.FailSession(id)
		ended := b.Router.CloseSession(id, fanout.ReasonSessionExpired)
		b.Router.Forget(id)

		if b.Observer != nil {
			b.Observer.SessionEnded(id, fanout.ReasonSessionExpired)
		}
		logger.Info("session torn down",
			"failed_commands", failed,
			"ended_subscribers", ended,
		)
	}
	return expired
}

// sequencer returns the session's resequencer, creating it on first use.
func (b *Bridge) sequencer(sessionID string) *resequencer {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.resequencer[sessionID]
	if !ok {
		existing = newResequencer(b.ReorderWindow, b.Clock)
		b.resequencer[sessionID] = existing
	}
	return existing
}

// flushStaleHolds publishes every hole the bridge has waited on for
// ReorderTimeout as a gap and releases the events held behind it.
func (b *Bridge) flushStaleHolds() {
	b.mu.Lock()
	sequencers := make(map[string]*resequencer, len(b.resequencer))
	for id, sequencer := range b.resequencer {
		sequencers[id] = sequencer
	}
	b.mu.Unlock()

	for id, sequencer := range sequencers {
		logger := b.logger().With("session_id", id)
		if gaps := sequencer.flushStale(b.ReorderTimeout, b.releaser(id, logger)); gaps > 0 {
			logger.Warn("reorder timeout, missing events published as gaps",
				"gaps", gaps,
				"last_sequence", sequencer.lastAccepted(),
			)
		}
	}
}

// releaser delivers what a session's resequencer lets through: gaps to
// the router, events to the dispatcher, the router and the observer.
func (b *Bridge) releaser(sessionID string, logger *slog.Logger) func(release) {
	return func(next release) {
		if next.gap != nil {
			if err := b.Router.PublishGap(sessionID, next.gap.From, next.gap.To); err != nil {
				logger.Warn("publishing gap", "from", next.gap.From, "to", next.gap.To, "error", err)
			}
			return
		}
		b.Dispatcher.OnResult(next.event)
		if err := b.Router.Publish(next.event); err != nil {
			logger.Warn("publishing event", "seq", next.event.Sequence, "kind", next.event.Kind, "error", err)
		}
		if b.Observer != nil {
			b.Observer.Observe(next.event)
		}
	}
}

// nextLinkID returns a process-unique link id for logs.
func (b *Bridge) nextLinkID() string {
	return fmt.Sprintf("link-%d", b.linkCount.Add(1))
}
