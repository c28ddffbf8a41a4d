// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/bridge"
	"github.com/hyperbridge-labs/hyperbridge/dispatch"
	"github.com/hyperbridge-labs/hyperbridge/fanout"
	"github.com/hyperbridge-labs/hyperbridge/lib/netutil"
	"github.com/hyperbridge-labs/hyperbridge/lib/testutil"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
	"github.com/hyperbridge-labs/hyperbridge/transport"
)

func TestParseScenario(t *testing.T) {
	t.Parallel()

	scenario, err := ParseScenario([]byte(`{
		// quick detonation
		"interval": "250ms",
		"steps": [
			{"kind": "process-create", "payload": {"pid": 4100, "image": "invoice.exe"}},
			/* beacon */
			{"kind": "dns-query", "delay": "1s", "payload": {"pid": 4100, "query": "c2.example"}},
		],
	}`))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	if len(scenario.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(scenario.Steps))
	}
	if got := scenario.delay(0); got != 250*time.Millisecond {
		t.Errorf("delay(0) = %s, want 250ms", got)
	}
	if got := scenario.delay(1); got != time.Second {
		t.Errorf("delay(1) = %s, want 1s", got)
	}

	invalid := []struct {
		name, input, want string
	}{
		{"no steps", `{"steps": []}`, "no steps"},
		{"unknown kind", `{"steps": [{"kind": "teleport"}]}`, "unknown event kind"},
		{"control kind", `{"steps": [{"kind": "heartbeat"}]}`, "sent by the agent"},
		{"payload shape", `{"steps": [{"kind": "process-create", "payload": {"pid": "x"}}]}`, "process-create payload"},
		{"bad duration", `{"interval": 5, "steps": [{"kind": "file-create"}]}`, "duration"},
	}
	for _, test := range invalid {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(test.input))
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Fatalf("error = %v, want containing %q", err, test.want)
			}
		})
	}
}

type liveBridge struct {
	bridge     *bridge.Bridge
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	router     *fanout.Router
	address    string
}

func startBridge(t *testing.T) *liveBridge {
	t.Helper()
	listener, err := transport.NewTCPListener("127.0.0.1:0", netutil.KeepaliveConfig{}, nil)
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	registry := session.NewRegistry(session.Config{GracePeriod: time.Minute})
	dispatcher := dispatch.New(dispatch.Config{Sessions: registry, SweepInterval: 50 * time.Millisecond})
	router := fanout.New(fanout.Config{Sessions: registry})
	b := &bridge.Bridge{
		Listeners:         []transport.Listener{listener},
		Registry:          registry,
		Dispatcher:        dispatcher,
		Router:            router,
		HeartbeatInterval: 100 * time.Millisecond,
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return &liveBridge{
		bridge:     b,
		registry:   registry,
		dispatcher: dispatcher,
		router:     router,
		address:    listener.Address(),
	}
}

func startAgent(t *testing.T, address string, scenario *Scenario) *Agent {
	t.Helper()
	agent := &Agent{
		Dial: func(ctx context.Context) (net.Conn, error) {
			return transport.DialAddress(ctx, address, time.Second)
		},
		Identity:     Identity{Hostname: "mock-guest", OS: "windows"},
		Capabilities: protocol.Verbs,
		Scenario:     scenario,
		Redial:       20 * time.Millisecond,
		connected:    make(chan string, 16),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return agent
}

func waitForHead(t *testing.T, router *fanout.Router, sessionID string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for router.Head(sessionID) < want {
		if time.Now().After(deadline) {
			t.Fatalf("head = %d, want %d", router.Head(sessionID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func threeStepScenario(t *testing.T) *Scenario {
	t.Helper()
	scenario, err := ParseScenario([]byte(`{
		"interval": "10ms",
		"steps": [
			{"kind": "process-create", "payload": {"pid": 4100, "image": "invoice.exe"}},
			{"kind": "registry-set", "payload": {"pid": 4100, "key": "HKCU\\Run", "value": "updater"}},
			{"kind": "network-connect", "payload": {"pid": 4100, "protocol": "tcp", "remote_address": "203.0.113.7", "remote_port": 443}},
		],
	}`))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	return scenario
}

func TestAgentStreamsScenarioAndAnswersCommands(t *testing.T) {
	t.Parallel()
	live := startBridge(t)
	agent := startAgent(t, live.address, threeStepScenario(t))

	sessionID := testutil.RequireReceive(t, agent.connected, 5*time.Second, "agent never connected")
	waitForHead(t, live.router, sessionID, 3)

	found, err := live.registry.Lookup(sessionID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found.Hostname != "mock-guest" || found.State != session.Connected {
		t.Errorf("session = %+v", found)
	}

	call, err := live.dispatcher.Submit(sessionID, protocol.VerbKill, protocol.Args{PID: 512}, 5*time.Second)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Status != dispatch.StatusSuccess {
		t.Fatalf("outcome = %+v", outcome)
	}
	// process-terminate then command-result.
	waitForHead(t, live.router, sessionID, 5)

	call, err = live.dispatcher.Submit(sessionID, protocol.VerbUploadPivot, protocol.Args{Path: `C:\Windows\Temp\stage2.bin`}, 5*time.Second)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	outcome, err = call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Result == nil || len(outcome.Result.Data) == 0 {
		t.Fatalf("UPLOAD_PIVOT returned no data: %+v", outcome)
	}
}

func TestAgentResumesSessionAfterLinkDrop(t *testing.T) {
	t.Parallel()
	live := startBridge(t)
	agent := startAgent(t, live.address, threeStepScenario(t))

	sessionID := testutil.RequireReceive(t, agent.connected, 5*time.Second, "agent never connected")
	waitForHead(t, live.router, sessionID, 3)

	subscriber, err := live.router.Subscribe(sessionID, fanout.Start{ResumeFrom: 3})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	agent.mu.Lock()
	agent.conn.Close()
	agent.mu.Unlock()

	resumed := testutil.RequireReceive(t, agent.connected, 5*time.Second, "agent never reconnected")
	if resumed != sessionID {
		t.Fatalf("reconnected as %s, want resumed %s", resumed, sessionID)
	}

	if err := agent.emit(protocol.KindFileCreate, protocol.FileActivity{PID: 4100, Path: `C:\tmp\dropped.dll`}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	for {
		delivery := testutil.RequireReceive(t, subscriber.Deliveries(), 5*time.Second, "no delivery after resume")
		if delivery.Type == fanout.DeliveryState {
			continue
		}
		if delivery.Type != fanout.DeliveryEvent || delivery.Sequence != 4 {
			t.Fatalf("delivery = %+v, want event 4", delivery)
		}
		break
	}
}
