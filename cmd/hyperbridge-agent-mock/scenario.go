// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration must be a string like \"1.5s\": %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration must not be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// Scenario is a scripted event sequence. Files are JSON with comments
// and trailing commas:
//
//	{
//	  "interval": "1s",   // default pause between steps
//	  "repeat": false,
//	  "steps": [
//	    {"kind": "process-create", "payload": {"pid": 4100, "image": "invoice.exe"}},
//	    {"kind": "network-connect", "delay": "200ms",
//	     "payload": {"pid": 4100, "protocol": "tcp", "remote_address": "203.0.113.7", "remote_port": 443}},
//	  ],
//	}
type Scenario struct {
	Interval Duration `json:"interval"`
	Repeat   bool     `json:"repeat"`
	Steps    []Step   `json:"steps"`
}

// Step is one scripted event.
type Step struct {
	Kind protocol.Kind `json:"kind"`

	// Delay overrides the scenario interval before this step.
	Delay *Duration `json:"delay,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseScenario strips comments and trailing commas from data, decodes
// it and checks every step against the event schema.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	if err := json.Unmarshal(jsonc.ToJSON(data), &scenario); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if len(scenario.Steps) == 0 {
		return nil, errors.New("scenario has no steps")
	}
	if scenario.Interval == 0 {
		scenario.Interval = Duration(time.Second)
	}
	for i, step := range scenario.Steps {
		if step.Kind.IsControl() {
			return nil, fmt.Errorf("step %d: %s events are sent by the agent itself", i, step.Kind)
		}
		sample := protocol.Event{Kind: step.Kind, Sequence: 1, Payload: step.Payload}
		if err := sample.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return &scenario, nil
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scenario, nil
}

// delay returns the pause before step i.
func (s *Scenario) delay(i int) time.Duration {
	if step := s.Steps[i]; step.Delay != nil {
		return time.Duration(*step.Delay)
	}
	return time.Duration(s.Interval)
}
