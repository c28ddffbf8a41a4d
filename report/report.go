// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"time"

	"github.com/hyperbridge-labs/hyperbridge/enrich"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

// FormatVersion is written into every report.
const FormatVersion = 1

// Report is everything known about one finished session.
type Report struct {
	FormatVersion int             `json:"format_version"`
	Session       session.Session `json:"session"`

	// EndReason is session-expired or shutdown.
	EndReason   string    `json:"end_reason"`
	GeneratedAt time.Time `json:"generated_at"`

	// Events are the accepted events in sequence order. When the
	// session produced more than the collector keeps, Truncated is
	// set and DroppedEvents counts the rest.
	Events        []protocol.Event `json:"events"`
	Truncated     bool             `json:"truncated,omitempty"`
	DroppedEvents int              `json:"dropped_events,omitempty"`

	// Counts tallies every accepted event by kind, dropped ones
	// included.
	Counts map[protocol.Kind]int `json:"counts"`

	Artifacts []Artifact `json:"artifacts,omitempty"`

	Assessment      *enrich.Assessment `json:"assessment,omitempty"`
	AssessmentError string             `json:"assessment_error,omitempty"`
}

// Artifact is a binary blob a guest returned: command output data or
// a screenshot.
type Artifact struct {
	Sequence  uint64        `json:"seq"`
	Kind      protocol.Kind `json:"kind"`
	RequestID string        `json:"request_id,omitempty"`
	Size      int           `json:"size"`
	SHA256    string        `json:"sha256"`
}
