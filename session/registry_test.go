// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeTransport struct{ id string }

func (f *fakeTransport) ConnectionID() string { return f.id }
func (f *fakeTransport) RemoteAddr() string   { return "192.0.2.10:" + f.id }

func newTestRegistry(t *testing.T) (*Registry, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(epoch)
	var counter atomic.Int64
	registry := NewRegistry(Config{
		GracePeriod:         time.Minute,
		DefaultCapabilities: []protocol.Verb{protocol.VerbKill, protocol.VerbExecBinary},
		Clock:               fakeClock,
		NewID: func() string {
			return fmt.Sprintf("session-%d", counter.Add(1))
		},
	})
	return registry, fakeClock
}

func connect(t *testing.T, registry *Registry, handshake Handshake, transport Transport) Session {
	t.Helper()
	registered, _, err := registry.Register(handshake, transport)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	connected, err := registry.MarkConnected(registered.ID, transport)
	if err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	return connected
}

func TestRegisterCreatesHandshakingSession(t *testing.T) {
	t.Parallel()
	registry, _ := newTestRegistry(t)
	transport := &fakeTransport{id: "c1"}

	created, resumed, err := registry.Register(Handshake{Hostname: "WIN10-LAB", OS: "Windows 10"}, transport)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resumed {
		t.Error("resumed = true for a first contact")
	}
	if created.ID != "session-1" || created.State != Handshaking {
		t.Errorf("created = %s in %s, want session-1 in handshaking", created.ID, created.State)
	}
	if created.ConnectionID != "c1" || created.Connects != 1 {
		t.Errorf("ConnectionID = %q Connects = %d", created.ConnectionID, created.Connects)
	}

	connected, err := registry.MarkConnected(created.ID, transport)
	if err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if connected.State != Connected {
		t.Errorf("State = %s, want connected", connected.State)
	}
	if _, err := registry.MarkConnected(created.ID, &fakeTransport{id: "other"}); !errors.Is(err, ErrNotBound) {
		t.Errorf("MarkConnected with a foreign transport: %v, want ErrNotBound", err)
	}
}

func TestCapabilityNegotiation(t *testing.T) {
	t.Parallel()
	registry, _ := newTestRegistry(t)

	legacy := connect(t, registry, Handshake{}, &fakeTransport{id: "a"})
	if !legacy.Supports(protocol.VerbKill) || legacy.Supports(protocol.VerbScreenshot) {
		t.Errorf("legacy capabilities = %v, want the default set", legacy.Capabilities)
	}

	advertised := connect(t, registry, Handshake{Capabilities: []protocol.Verb{
		protocol.VerbScreenshot, "TELEPORT", protocol.VerbScreenshot,
	}}, &fakeTransport{id: "b"})
	if len(advertised.Capabilities) != 1 || !advertised.Supports(protocol.VerbScreenshot) {
		t.Errorf("advertised capabilities = %v, want [SCREENSHOT]", advertised.Capabilities)
	}
	if advertised.Supports(protocol.VerbKill) {
		t.Error("advertised set includes an unadvertised verb")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	t.Parallel()
	registry, _ := newTestRegistry(t)
	connected := connect(t, registry, Handshake{}, &fakeTransport{id: "a"})
	connected.Capabilities[0] = "MUTATED"

	again, err := registry.Lookup(connected.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if again.Capabilities[0] == "MUTATED" {
		t.Fatal("mutating a snapshot changed the registry record")
	}
}

func TestReconnectWithinGraceKeepsSessionID(t *testing.T) {
	t.Parallel()
	registry, fakeClock := newTestRegistry(t)
	first := &fakeTransport{id: "c1"}
	original := connect(t, registry, Handshake{Hostname: "h"}, first)

	disconnected, err := registry.MarkDisconnected(original.ID, first)
	if err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}
	if disconnected.State != Disconnected || disconnected.ConnectionID != "" {
		t.Fatalf("after disconnect: state %s connection %q", disconnected.State, disconnected.ConnectionID)
	}

	fakeClock.Advance(3 * time.Second)
	second := &fakeTransport{id: "c2"}
	resumed, wasResumed, err := registry.Register(Handshake{SessionID: original.ID, Hostname: "h"}, second)
	if err != nil {
		t.Fatalf("Register on reconnect: %v", err)
	}
	if !wasResumed || resumed.ID != original.ID {
		t.Fatalf("reconnect gave %s (resumed=%v), want %s resumed", resumed.ID, wasResumed, original.ID)
	}
	if resumed.State != Connected || resumed.Connects != 2 {
		t.Errorf("resumed state %s connects %d, want connected 2", resumed.State, resumed.Connects)
	}
	if got := registry.Expire(); len(got) != 0 {
		t.Errorf("Expire after reconnect = %v, want none", got)
	}
}

func TestSecondLiveTransportIsRejected(t *testing.T) {
	t.Parallel()
	registry, _ := newTestRegistry(t)
	first := &fakeTransport{id: "c1"}
	original := connect(t, registry, Handshake{}, first)

	if _, _, err := registry.Register(Handshake{SessionID: original.ID}, &fakeTransport{id: "c2"}); !errors.Is(err, ErrTransportBound) {
		t.Fatalf("Register while bound: %v, want ErrTransportBound", err)
	}
	if _, err := registry.MarkReconnected(original.ID, &fakeTransport{id: "c3"}); !errors.Is(err, ErrTransportBound) {
		t.Fatalf("MarkReconnected while bound: %v, want ErrTransportBound", err)
	}

	current, _ := registry.Lookup(original.ID)
	if current.ConnectionID != "c1" {
		t.Errorf("bound connection = %q, want c1", current.ConnectionID)
	}
}

func TestStaleTransportCannotUnbindReplacement(t *testing.T) {
	t.Parallel()
	registry, _ := newTestRegistry(t)
	stale := &fakeTransport{id: "stale"}
	original := connect(t, registry, Handshake{}, stale)
	if _, err := registry.MarkDisconnected(original.ID, stale); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}
	fresh := &fakeTransport{id: "fresh"}
	if _, err := registry.MarkReconnected(original.ID, fresh); err != nil {
		t.Fatalf("MarkReconnected: %v", err)
	}

	if _, err := registry.MarkDisconnected(original.ID, stale); !errors.Is(err, ErrNotBound) {
		t.Fatalf("stale MarkDisconnected: %v, want ErrNotBound", err)
	}
	current, _ := registry.Lookup(original.ID)
	if current.State != Connected || current.ConnectionID != "fresh" {
		t.Errorf("after stale unbind: %s on %q", current.State, current.ConnectionID)
	}
}

func TestConcurrentReconnectsBindExactlyOne(t *testing.T) {
	t.Parallel()
	registry, _ := newTestRegistry(t)
	first := &fakeTransport{id: "first"}
	original := connect(t, registry, Handshake{}, first)
	if _, err := registry.MarkDisconnected(original.ID, first); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}

	const contenders = 32
	var wins atomic.Int32
	var waitGroup sync.WaitGroup
	for i := 0; i < contenders; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := registry.MarkReconnected(original.ID, &fakeTransport{id: fmt.Sprint(i)})
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrTransportBound) {
				t.Errorf("MarkReconnected: %v", err)
			}
		}()
	}
	waitGroup.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d reconnects succeeded, want exactly 1", wins.Load())
	}
}

func TestExpireAfterGracePeriod(t *testing.T) {
	t.Parallel()
	registry, fakeClock := newTestRegistry(t)
	transport := &fakeTransport{id: "c1"}
	original := connect(t, registry, Handshake{}, transport)
	alive := connect(t, registry, Handshake{}, &fakeTransport{id: "c2"})
	registry.MarkDisconnected(original.ID, transport)

	fakeClock.Advance(time.Minute - time.Second)
	if got := registry.Expire(); len(got) != 0 {
		t.Fatalf("Expire before grace elapsed = %v", got)
	}
	fakeClock.Advance(time.Second)
	got := registry.Expire()
	if len(got) != 1 || got[0] != original.ID {
		t.Fatalf("Expire = %v, want [%s]", got, original.ID)
	}

	tombstone, err := registry.Lookup(original.ID)
	if err != nil {
		t.Fatalf("Lookup of expired session: %v", err)
	}
	if tombstone.State != Expired {
		t.Errorf("State = %s, want expired", tombstone.State)
	}
	if err := registry.Touch(original.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("Touch on expired session: %v, want ErrExpired", err)
	}
	if _, err := registry.MarkReconnected(original.ID, &fakeTransport{id: "c3"}); !errors.Is(err, ErrExpired) {
		t.Errorf("MarkReconnected on expired session: %v, want ErrExpired", err)
	}

	// The connected session never expires.
	if current, _ := registry.Lookup(alive.ID); current.State != Connected {
		t.Errorf("connected session is %s", current.State)
	}

	// Tombstones age out after one more grace period.
	fakeClock.Advance(time.Minute)
	registry.Expire()
	if _, err := registry.Lookup(original.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after tombstone aged out: %v, want ErrNotFound", err)
	}
}

func TestExpiredIDIsRegeneratedOnReturn(t *testing.T) {
	t.Parallel()
	registry, fakeClock := newTestRegistry(t)
	transport := &fakeTransport{id: "c1"}
	original := connect(t, registry, Handshake{}, transport)
	registry.MarkDisconnected(original.ID, transport)
	fakeClock.Advance(2 * time.Minute)
	registry.Expire()

	returned, resumed, err := registry.Register(Handshake{SessionID: original.ID}, &fakeTransport{id: "c2"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resumed || returned.ID == original.ID {
		t.Fatalf("expired id was rebound: %s resumed=%v", returned.ID, resumed)
	}
}

func TestHeartbeatRecordsWatchdogSignal(t *testing.T) {
	t.Parallel()
	registry, fakeClock := newTestRegistry(t)
	connected := connect(t, registry, Handshake{}, &fakeTransport{id: "c1"})

	fakeClock.Advance(10 * time.Second)
	if err := registry.Heartbeat(connected.ID, true); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	current, _ := registry.Lookup(connected.ID)
	if !current.Protected {
		t.Error("Protected = false after a protected heartbeat")
	}
	if want := epoch.Add(10 * time.Second); !current.LastHeartbeat.Equal(want) || !current.LastSeen.Equal(want) {
		t.Errorf("LastHeartbeat = %v LastSeen = %v, want %v", current.LastHeartbeat, current.LastSeen, want)
	}
	if err := registry.Heartbeat("missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Heartbeat on unknown session: %v, want ErrNotFound", err)
	}
}

func TestCloseRejectsRegistration(t *testing.T) {
	t.Parallel()
	registry, _ := newTestRegistry(t)
	connected := connect(t, registry, Handshake{}, &fakeTransport{id: "c1"})

	ids := registry.Close()
	if len(ids) != 1 || ids[0] != connected.ID {
		t.Errorf("Close = %v, want [%s]", ids, connected.ID)
	}
	if _, _, err := registry.Register(Handshake{}, &fakeTransport{id: "c2"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Register after Close: %v, want ErrClosed", err)
	}
}

func TestListOrdersByCreation(t *testing.T) {
	t.Parallel()
	registry, fakeClock := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		connect(t, registry, Handshake{}, &fakeTransport{id: fmt.Sprint(i)})
		fakeClock.Advance(time.Second)
	}
	sessions := registry.List()
	if len(sessions) != 3 {
		t.Fatalf("List returned %d sessions", len(sessions))
	}
	for i, listed := range sessions {
		if want := fmt.Sprintf("session-%d", i+1); listed.ID != want {
			t.Errorf("List[%d] = %s, want %s", i, listed.ID, want)
		}
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	t.Parallel()
	for _, state := range []State{Handshaking, Connected, Disconnected, Expired} {
		text, err := state.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", state, err)
		}
		var parsed State
		if err := parsed.UnmarshalText(text); err != nil || parsed != state {
			t.Errorf("UnmarshalText(%q) = %v, %v; want %v", text, parsed, err, state)
		}
	}
	var parsed State
	if err := parsed.UnmarshalText([]byte("zombie")); err == nil {
		t.Error("UnmarshalText accepted an unknown state")
	}
}
