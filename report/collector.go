// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/enrich"
	"github.com/hyperbridge-labs/hyperbridge/lib/binhash"
	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

// SessionLookup resolves the session identity stored in a report.
type SessionLookup interface {
	Lookup(id string) (session.Session, error)
}

// Sink stores finished reports. It returns where the report went.
type Sink interface {
	Write(ctx context.Context, report *Report) (string, error)
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Sessions SessionLookup
	Sink     Sink

	// Scorer, when set, assesses each report before it is written.
	Scorer enrich.Scorer

	// ScoreTimeout bounds one Score call. Default 30s.
	ScoreTimeout time.Duration

	// MaxEvents bounds the events kept per session. Default 100000.
	MaxEvents int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Collector accumulates events per session and finalizes a report when
// the session ends. Safe for concurrent use.
type Collector struct {
	sessions     SessionLookup
	sink         Sink
	scorer       enrich.Scorer
	scoreTimeout time.Duration
	maxEvents    int
	clock        clock.Clock
	logger       *slog.Logger

	mu         sync.Mutex
	drafts     map[string]*draft
	closed     bool
	finalizing sync.WaitGroup
}

type draft struct {
	events    []protocol.Event
	dropped   int
	counts    map[protocol.Kind]int
	artifacts []Artifact
}

// NewCollector creates a Collector. Sessions and Sink are required.
func NewCollector(config CollectorConfig) *Collector {
	collector := &Collector{
		sessions:     config.Sessions,
		sink:         config.Sink,
		scorer:       config.Scorer,
		scoreTimeout: config.ScoreTimeout,
		maxEvents:    config.MaxEvents,
		clock:        config.Clock,
		logger:       config.Logger,
		drafts:       make(map[string]*draft),
	}
	if collector.scoreTimeout <= 0 {
		collector.scoreTimeout = 30 * time.Second
	}
	if collector.maxEvents <= 0 {
		collector.maxEvents = 100000
	}
	if collector.clock == nil {
		collector.clock = clock.Real()
	}
	if collector.logger == nil {
		collector.logger = slog.Default()
	}
	return collector
}

// Observe records one accepted event.
func (c *Collector) Observe(event protocol.Event) {
	artifact, hasArtifact := artifactOf(event)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	current, ok := c.drafts[event.SessionID]
	if !ok {
		current = &draft{counts: make(map[protocol.Kind]int)}
		c.drafts[event.SessionID] = current
	}
	current.counts[event.Kind]++
	if hasArtifact {
		current.artifacts = append(current.artifacts, artifact)
	}
	if len(current.events) >= c.maxEvents {
		current.dropped++
		return
	}
	current.events = append(current.events, event)
}

// artifactOf digests the binary content of command results and
// screenshots.
func artifactOf(event protocol.Event) (Artifact, bool) {
	var (
		requestID string
		data      []byte
	)
	switch event.Kind {
	case protocol.KindCommandResult:
		result, err := event.CommandResult()
		if err != nil {
			return Artifact{}, false
		}
		requestID, data = result.RequestID, result.Data
	case protocol.KindScreenshotReady:
		var screenshot protocol.ScreenshotReady
		if err := event.DecodePayload(&screenshot); err != nil {
			return Artifact{}, false
		}
		requestID, data = screenshot.RequestID, screenshot.Image
	default:
		return Artifact{}, false
	}
	if len(data) == 0 {
		return Artifact{}, false
	}
	return Artifact{
		Sequence:  event.Sequence,
		Kind:      event.Kind,
		RequestID: requestID,
		Size:      len(data),
		SHA256:    binhash.FormatDigest(binhash.HashBytes(data)),
	}, true
}

// SessionEnded finalizes the session's report in the background.
// Close waits for it.
func (c *Collector) SessionEnded(sessionID, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("session ended after the report collector closed", "session_id", sessionID)
		return
	}
	c.finalizing.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.finalizing.Done()
		if _, _, err := c.Finalize(context.Background(), sessionID, reason); err != nil {
			c.logger.Error("writing session report failed",
				"session_id", sessionID,
				"reason", reason,
				"error", err,
			)
		}
	}()
}

// Finalize builds, scores and writes the session's report, and returns
// it with the sink's location. The session's draft is consumed; a
// session that produced no events still gets a report.
func (c *Collector) Finalize(ctx context.Context, sessionID, reason string) (*Report, string, error) {
	c.mu.Lock()
	current := c.drafts[sessionID]
	delete(c.drafts, sessionID)
	c.mu.Unlock()
	if current == nil {
		current = &draft{counts: make(map[protocol.Kind]int)}
	}

	identity, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("report: looking up session %s: %w", sessionID, err)
	}
	report := &Report{
		FormatVersion: FormatVersion,
		Session:       identity,
		EndReason:     reason,
		GeneratedAt:   c.clock.Now().UTC(),
		Events:        current.events,
		Truncated:     current.dropped > 0,
		DroppedEvents: current.dropped,
		Counts:        current.counts,
		Artifacts:     current.artifacts,
	}
	if report.Events == nil {
		report.Events = []protocol.Event{}
	}

	if c.scorer != nil && len(report.Events) > 0 {
		scoreCtx, cancel := context.WithTimeout(ctx, c.scoreTimeout)
		assessment, err := c.scorer.Score(scoreCtx, sessionID, report.Events)
		cancel()
		if err != nil {
			c.logger.Warn("enrichment failed, writing report without assessment",
				"session_id", sessionID,
				"error", err,
			)
			report.AssessmentError = err.Error()
		} else {
			report.Assessment = &assessment
		}
	}

	location, err := c.sink.Write(ctx, report)
	if err != nil {
		return report, "", fmt.Errorf("report: writing %s: %w", sessionID, err)
	}
	attrs := []any{
		"session_id", sessionID,
		"reason", reason,
		"location", location,
		"events", len(report.Events),
		"dropped_events", report.DroppedEvents,
		"artifacts", len(report.Artifacts),
	}
	if report.Assessment != nil {
		attrs = append(attrs, "verdict", report.Assessment.Verdict, "threat_score", report.Assessment.ThreatScore)
	}
	c.logger.Info("session report written", attrs...)
	return report, location, nil
}

// Pending returns the number of sessions with buffered events.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.drafts)
}

// Close stops accepting events and waits for background finalization
// to finish. Drafts of sessions that never ended are discarded.
func (c *Collector) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.finalizing.Wait()

	c.mu.Lock()
	abandoned := len(c.drafts)
	c.mu.Unlock()
	if abandoned > 0 {
		c.logger.Debug("report collector closed", "abandoned_drafts", abandoned)
	}
}
