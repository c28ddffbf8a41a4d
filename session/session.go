// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// State is a session's lifecycle state.
type State int

const (
	Handshaking State = iota
	Connected
	Disconnected
	Expired
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON and CBOR output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for candidate := Handshaking; candidate <= Expired; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Transport is the handle of one live connection. The registry compares
// handles by identity.
type Transport interface {
	// ConnectionID identifies the connection in logs.
	ConnectionID() string

	// RemoteAddr describes the peer.
	RemoteAddr() string
}

// Handshake is the identity an agent presents in session-init.
type Handshake struct {
	// SessionID is empty on first contact.
	SessionID string

	Hostname     string
	OS           string
	AgentVersion string
	Capabilities []protocol.Verb
}

// HandshakeFrom converts a session-init payload.
func HandshakeFrom(init protocol.SessionInit) Handshake {
	return Handshake{
		SessionID:    init.SessionID,
		Hostname:     init.Hostname,
		OS:           init.OS,
		AgentVersion: init.AgentVersion,
		Capabilities: init.Capabilities,
	}
}

// Session is a snapshot of one session record.
type Session struct {
	ID           string         `json:"id"`
	Hostname     string         `json:"hostname"`
	OS           string         `json:"os"`
	AgentVersion string         `json:"agent_version,omitempty"`
	State        State          `json:"state"`
	Capabilities []protocol.Verb `json:"capabilities"`

	// ConnectionID and RemoteAddr describe the bound transport. Empty
	// when no transport is bound.
	ConnectionID string `json:"connection_id,omitempty"`
	RemoteAddr   string `json:"remote_addr,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
	DisconnectedAt time.Time `json:"disconnected_at,omitzero"`
	ExpiredAt      time.Time `json:"expired_at,omitzero"`

	// Protected and LastHeartbeat carry the guest watchdog's liveness
	// signal from the most recent heartbeat.
	Protected     bool      `json:"protected"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`

	// Connects counts transports bound over the session's lifetime.
	Connects int `json:"connects"`
}

// Supports reports whether verb is in the negotiated capability set.
func (s Session) Supports(verb protocol.Verb) bool {
	return slices.Contains(s.Capabilities, verb)
}

// record is the registry-owned mutable form of a Session.
type record struct {
	Session
	transport Transport
}

func (r *record) snapshot() Session {
	snapshot := r.Session
	snapshot.Capabilities = slices.Clone(r.Capabilities)
	return snapshot
}

func (r *record) bind(transport Transport, now time.Time) {
	r.transport = transport
	r.ConnectionID = transport.ConnectionID()
	r.RemoteAddr = transport.RemoteAddr()
	r.DisconnectedAt = time.Time{}
	r.LastSeen = now
	r.Connects++
}

func (r *record) unbind(now time.Time) {
	r.transport = nil
	r.ConnectionID = ""
	r.RemoteAddr = ""
	r.State = Disconnected
	r.DisconnectedAt = now
	r.LastSeen = now
}
