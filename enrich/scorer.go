// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/lib/netutil"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// Verdict is the service's classification of a session.
type Verdict string

const (
	VerdictBenign     Verdict = "benign"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

// Assessment is the service's answer for one session.
type Assessment struct {
	Verdict Verdict `json:"verdict"`

	// ThreatScore ranges from 0 (benign) to 100.
	ThreatScore int `json:"threat_score"`

	Summary         string   `json:"summary,omitempty"`
	MalwareFamily   string   `json:"malware_family,omitempty"`
	Tactics         []string `json:"mitre_tactics,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Validate rejects assessments outside the documented ranges.
func (a Assessment) Validate() error {
	switch a.Verdict {
	case VerdictBenign, VerdictSuspicious, VerdictMalicious:
	default:
		return fmt.Errorf("unknown verdict %q", a.Verdict)
	}
	if a.ThreatScore < 0 || a.ThreatScore > 100 {
		return fmt.Errorf("threat score %d outside 0-100", a.ThreatScore)
	}
	return nil
}

// Scorer assesses a session's events.
type Scorer interface {
	Score(ctx context.Context, sessionID string, events []protocol.Event) (Assessment, error)
}

var _ Scorer = (*HTTPScorer)(nil)

// HTTPScorer posts event batches to an analysis endpoint.
type HTTPScorer struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPScorer creates a scorer for endpoint. timeout bounds each
// request, including reading the response.
func NewHTTPScorer(endpoint string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	SessionID string           `json:"session_id"`
	Events    []protocol.Event `json:"events"`
}

// Score sends the batch and decodes the assessment. Non-200 responses
// and assessments that fail validation are errors.
func (s *HTTPScorer) Score(ctx context.Context, sessionID string, events []protocol.Event) (Assessment, error) {
	body, err := json.Marshal(scoreRequest{SessionID: sessionID, Events: events})
	if err != nil {
		return Assessment{}, fmt.Errorf("enrich: marshaling request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Assessment{}, fmt.Errorf("enrich: creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return Assessment{}, fmt.Errorf("enrich: sending request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Assessment{}, fmt.Errorf("enrich: %s returned %d: %s", s.endpoint, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	var assessment Assessment
	if err := netutil.DecodeResponse(response.Body, &assessment); err != nil {
		return Assessment{}, fmt.Errorf("enrich: %w", err)
	}
	if err := assessment.Validate(); err != nil {
		return Assessment{}, fmt.Errorf("enrich: %w", err)
	}
	return assessment, nil
}
