// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/console"
	"github.com/hyperbridge-labs/hyperbridge/fanout"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubTransport struct{}

func (stubTransport) ConnectionID() string { return "link-1" }
func (stubTransport) RemoteAddr() string   { return "local" }

func mustEvent(t *testing.T, sessionID string, kind protocol.Kind, sequence uint64, payload any) protocol.Event {
	t.Helper()
	event, err := protocol.NewEvent(kind, sequence, epoch, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	event.SessionID = sessionID
	return event
}

func TestPrinterFormatsDeliveries(t *testing.T) {
	t.Parallel()

	create := mustEvent(t, "s-1", protocol.KindProcessCreate, 7, protocol.ProcessCreate{PID: 4100, PPID: 620, Image: "invoice.exe"})
	result := mustEvent(t, "s-1", protocol.KindCommandResult, 8, protocol.CommandResult{RequestID: "r-1", Success: false, Error: "access denied"})

	tests := []struct {
		name     string
		delivery fanout.Delivery
		want     []string
	}{
		{"process", fanout.Delivery{Type: fanout.DeliveryEvent, Sequence: 7, Event: &create}, []string{"#7", "process-create", "pid 4100 ← 620 invoice.exe"}},
		{"failed result", fanout.Delivery{Type: fanout.DeliveryEvent, Sequence: 8, Event: &result}, []string{"command-result", "r-1 failed access denied"}},
		{"gap", fanout.Delivery{Type: fanout.DeliveryGap, Sequence: 12, Gap: &fanout.Gap{From: 9, To: 12}}, []string{"events 9-12 were lost"}},
		{"state", fanout.Delivery{Type: fanout.DeliveryState, State: "disconnected"}, []string{"agent disconnected"}},
		{"end", fanout.Delivery{Type: fanout.DeliveryEnd, Sequence: 12, Reason: "session-expired"}, []string{"stream ended: session-expired", "last seq 12"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			newPrinter(&out, 0, true).print(test.delivery)
			line := out.String()
			if strings.Contains(line, "\x1b[") {
				t.Errorf("plain output contains escape sequences: %q", line)
			}
			for _, want := range test.want {
				if !strings.Contains(line, want) {
					t.Errorf("line %q does not contain %q", line, want)
				}
			}
		})
	}
}

func TestPrinterTruncatesToWidth(t *testing.T) {
	t.Parallel()

	event := mustEvent(t, "s-1", protocol.KindProcessCreate, 1, protocol.ProcessCreate{
		PID:         4100,
		Image:       "powershell.exe",
		CommandLine: strings.Repeat("-EncodedCommand AAAA ", 20),
	})
	var out bytes.Buffer
	newPrinter(&out, 60, true).print(fanout.Delivery{Type: fanout.DeliveryEvent, Sequence: 1, Event: &event})
	line := strings.TrimSuffix(out.String(), "\n")
	if width := len([]rune(line)); width > 60 {
		t.Errorf("line is %d runes wide, want at most 60: %q", width, line)
	}
	if !strings.HasSuffix(line, "…") {
		t.Errorf("truncated line should end with an ellipsis: %q", line)
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base    string
		session string
		want    string
	}{
		{"https://bridge.example:8443/console", "s 1", "wss://bridge.example:8443/console/v1/sessions/s%201/events?resume_from=41"},
		{"http://127.0.0.1:8080/", "4f0c-11", "ws://127.0.0.1:8080/v1/sessions/4f0c-11/events?resume_from=41"},
		{"http://127.0.0.1:8080", "a%b", "ws://127.0.0.1:8080/v1/sessions/a%25b/events?resume_from=41"},
	}
	for _, test := range tests {
		base, err := url.Parse(test.base)
		if err != nil {
			t.Fatalf("url.Parse(%q): %v", test.base, err)
		}
		client := &consoleClient{base: base}
		if got := client.streamURL(test.session, 41, false); got != test.want {
			t.Errorf("streamURL(%q) on %s = %q, want %q", test.session, test.base, got, test.want)
		}
		if base.String() != test.base {
			t.Errorf("streamURL modified the base URL: %s", base)
		}
	}

	base, _ := url.Parse("https://bridge.example:8443/console")
	if got := (&consoleClient{base: base}).streamURL("s-1", 41, true); !strings.HasSuffix(got, "/s-1/events?live=true") {
		t.Errorf("live streamURL = %q", got)
	}
}

func TestFollowPrintsUntilSessionEnds(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(session.Config{GracePeriod: time.Minute})
	created, _, err := registry.Register(session.Handshake{Hostname: "guest", OS: "windows"}, stubTransport{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	router := fanout.New(fanout.Config{Sessions: registry})
	for sequence := uint64(1); sequence <= 3; sequence++ {
		if err := router.Publish(mustEvent(t, created.ID, protocol.KindFileCreate, sequence, protocol.FileActivity{PID: 9, Path: `C:\tmp\f`})); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	server := console.New(console.Config{Sessions: registry, Events: router})
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	base, _ := url.Parse(httpServer.URL)
	var out, log bytes.Buffer
	follower := &follower{
		client:  &consoleClient{base: base},
		session: created.ID,
		last:    1,
		printer: newPrinter(&out, 0, true),
		out:     &out,
		log:     &log,
	}

	go func() {
		// The subscriber attaches during the upgrade; ending the
		// session afterwards delivers the end frame.
		deadline := time.Now().Add(5 * time.Second)
		for router.Subscribers(created.ID) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		router.CloseSession(created.ID, fanout.ReasonSessionExpired)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := follower.follow(ctx); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("follow returned only because the test timed out")
	}

	output := out.String()
	if strings.Contains(output, "#1 ") {
		t.Errorf("seq 1 was printed despite resume: %q", output)
	}
	for _, want := range []string{"#2", "#3", "stream ended: session-expired"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if follower.last != 3 {
		t.Errorf("last = %d, want 3", follower.last)
	}
}
