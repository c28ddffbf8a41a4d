// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

var (
	// ErrNotFound means no session with that id is known.
	ErrNotFound = errors.New("session: not found")

	// ErrTransportBound means another live transport is already bound
	// to the session.
	ErrTransportBound = errors.New("session: transport already bound")

	// ErrNotBound means the given transport is not the one bound to the
	// session.
	ErrNotBound = errors.New("session: transport not bound")

	// ErrExpired means the session reached its terminal state.
	ErrExpired = errors.New("session: expired")

	// ErrClosed means the registry was closed.
	ErrClosed = errors.New("session: registry closed")
)

// Config configures a Registry.
type Config struct {
	// GracePeriod is how long a disconnected session may be resumed.
	GracePeriod time.Duration

	// DefaultCapabilities applies to agents that advertise none.
	DefaultCapabilities []protocol.Verb

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// NewID generates session ids. Defaults to random UUIDs.
	NewID func() string

	Logger *slog.Logger
}

// Registry is the single source of truth for session existence and
// transport binding. Safe for concurrent use.
type Registry struct {
	grace        time.Duration
	capabilities []protocol.Verb
	clock        clock.Clock
	newID        func() string
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*record

	// expired holds immutable snapshots of expired sessions until they
	// age out one further grace period, so lookups can report Expired
	// rather than not-found.
	expired map[string]Session
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	registry := &Registry{
		grace:        config.GracePeriod,
		capabilities: slices.Clone(config.DefaultCapabilities),
		clock:        config.Clock,
		newID:        config.NewID,
		logger:       config.Logger,
		sessions:     make(map[string]*record),
		expired:      make(map[string]Session),
	}
	if registry.clock == nil {
		registry.clock = clock.Real()
	}
	if registry.newID == nil {
		registry.newID = uuid.NewString
	}
	if registry.logger == nil {
		registry.logger = slog.Default()
	}
	return registry
}

// Register binds transport to the session named in handshake, or to a
// new session. It returns the session and whether an existing session
// was resumed.
//
// A handshake naming a live session resumes it (Disconnected or
// Handshaking to Connected) unless another transport is bound, in which
// case ErrTransportBound is returned. A handshake naming an unknown or
// expired session creates a new session with a fresh id in Handshaking;
// the caller moves it to Connected with MarkConnected once the welcome
// has been delivered.
func (r *Registry) Register(handshake Handshake, transport Transport) (Session, bool, error) {
	if transport == nil {
		return Session{}, false, errors.New("session: register requires a transport")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Session{}, false, ErrClosed
	}
	now := r.clock.Now()

	if handshake.SessionID != "" {
		if existing, ok := r.sessions[handshake.SessionID]; ok {
			if existing.transport != nil {
				return existing.snapshot(), false, ErrTransportBound
			}
			r.applyHandshake(existing, handshake)
			existing.bind(transport, now)
			existing.State = Connected
			r.logger.Info("session resumed",
				"session_id", existing.ID,
				"connection_id", existing.ConnectionID,
				"remote_addr", existing.RemoteAddr,
				"connects", existing.Connects,
			)
			return existing.snapshot(), true, nil
		}
		r.logger.Info("unknown or expired session presented, assigning a new id",
			"presented_session_id", handshake.SessionID,
			"remote_addr", transport.RemoteAddr(),
		)
	}

	id := r.newID()
	for r.sessions[id] != nil || r.expired[id].ID != "" {
		id = r.newID()
	}
	created := &record{Session: Session{
		ID:        id,
		State:     Handshaking,
		CreatedAt: now,
	}}
	r.applyHandshake(created, handshake)
	created.bind(transport, now)
	r.sessions[id] = created
	r.logger.Info("session created",
		"session_id", id,
		"hostname", created.Hostname,
		"connection_id", created.ConnectionID,
		"remote_addr", created.RemoteAddr,
		"capabilities", created.Capabilities,
	)
	return created.snapshot(), false, nil
}

// applyHandshake refreshes identity fields and renegotiates
// capabilities. An agent may be upgraded between connections.
func (r *Registry) applyHandshake(target *record, handshake Handshake) {
	target.Hostname = handshake.Hostname
	target.OS = handshake.OS
	target.AgentVersion = handshake.AgentVersion
	target.Capabilities = r.negotiate(handshake.Capabilities)
}

func (r *Registry) negotiate(advertised []protocol.Verb) []protocol.Verb {
	if len(advertised) == 0 {
		return slices.Clone(r.capabilities)
	}
	var negotiated []protocol.Verb
	for _, verb := range advertised {
		if verb.Known() && !slices.Contains(negotiated, verb) {
			negotiated = append(negotiated, verb)
		}
	}
	if negotiated == nil {
		negotiated = []protocol.Verb{}
	}
	return negotiated
}

// MarkConnected completes the handshake of a new session.
func (r *Registry) MarkConnected(id string, transport Transport) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, err := r.liveLocked(id)
	if err != nil {
		return Session{}, err
	}
	if target.transport != transport {
		return target.snapshot(), ErrNotBound
	}
	target.State = Connected
	target.LastSeen = r.clock.Now()
	return target.snapshot(), nil
}

// MarkDisconnected unbinds transport from the session and starts the
// grace period. Only the currently bound transport may unbind; any
// other returns ErrNotBound and leaves the session untouched.
func (r *Registry) MarkDisconnected(id string, transport Transport) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, err := r.liveLocked(id)
	if err != nil {
		return Session{}, err
	}
	if target.transport == nil || target.transport != transport {
		return target.snapshot(), ErrNotBound
	}
	connectionID := target.ConnectionID
	target.unbind(r.clock.Now())
	r.logger.Info("session disconnected",
		"session_id", id,
		"connection_id", connectionID,
		"grace_period", r.grace,
	)
	return target.snapshot(), nil
}

// MarkReconnected binds transport to a disconnected session. It fails
// with ErrTransportBound when a transport is already bound.
func (r *Registry) MarkReconnected(id string, transport Transport) (Session, error) {
	if transport == nil {
		return Session{}, errors.New("session: reconnect requires a transport")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target, err := r.liveLocked(id)
	if err != nil {
		return Session{}, err
	}
	if target.transport != nil {
		return target.snapshot(), ErrTransportBound
	}
	target.bind(transport, r.clock.Now())
	target.State = Connected
	return target.snapshot(), nil
}

// Heartbeat records the guest watchdog liveness signal.
func (r *Registry) Heartbeat(id string, protected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	if target.Protected && !protected {
		r.logger.Warn("guest watchdog reports agent unprotected", "session_id", id)
	}
	target.Protected = protected
	target.LastHeartbeat = now
	target.LastSeen = now
	return nil
}

// Touch updates the last-seen timestamp.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	target.LastSeen = r.clock.Now()
	return nil
}

// Lookup returns a snapshot of the session. Recently expired sessions
// are returned with State Expired.
func (r *Registry) Lookup(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.sessions[id]; ok {
		return target.snapshot(), nil
	}
	if tombstone, ok := r.expired[id]; ok {
		return tombstone, nil
	}
	return Session{}, ErrNotFound
}

// List returns snapshots of every live and recently expired session,
// sorted by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions)+len(r.expired))
	for _, target := range r.sessions {
		sessions = append(sessions, target.snapshot())
	}
	for _, tombstone := range r.expired {
		sessions = append(sessions, tombstone)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// Expire moves every session whose grace period has elapsed to
// Expired and returns their ids. Connected sessions never expire.
func (r *Registry) Expire() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()

	for id, tombstone := range r.expired {
		if now.Sub(tombstone.ExpiredAt) >= r.grace {
			delete(r.expired, id)
		}
	}

	var expiredIDs []string
	for id, target := range r.sessions {
		if target.State != Disconnected || now.Sub(target.DisconnectedAt) < r.grace {
			continue
		}
		target.State = Expired
		target.ExpiredAt = now
		target.LastSeen = now
		r.expired[id] = target.snapshot()
		delete(r.sessions, id)
		expiredIDs = append(expiredIDs, id)
		r.logger.Info("session expired",
			"session_id", id,
			"disconnected_for", now.Sub(target.DisconnectedAt),
		)
	}
	sort.Strings(expiredIDs)
	return expiredIDs
}

// Close rejects further registrations and returns the ids of every
// session that was not yet expired. Records are kept for lookups.
func (r *Registry) Close() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// liveLocked returns the non-expired record for id.
func (r *Registry) liveLocked(id string) (*record, error) {
	if target, ok := r.sessions[id]; ok {
		return target, nil
	}
	if _, ok := r.expired[id]; ok {
		return nil, ErrExpired
	}
	return nil, ErrNotFound
}
