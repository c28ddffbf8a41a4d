// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the event kind tag.
type Kind string

const (
	KindSessionInit      Kind = "session-init"
	KindHeartbeat        Kind = "heartbeat"
	KindProcessCreate    Kind = "process-create"
	KindProcessTerminate Kind = "process-terminate"
	KindNetworkConnect   Kind = "network-connect"
	KindDNSQuery         Kind = "dns-query"
	KindLateralMovement  Kind = "lateral-movement"
	KindFileCreate       Kind = "file-create"
	KindFileModify       Kind = "file-modify"
	KindDownloadDetected Kind = "download-detected"
	KindRegistrySet      Kind = "registry-set"
	KindMemoryAnomaly    Kind = "memory-anomaly"
	KindScreenshotReady  Kind = "screenshot-ready"
	KindCommandResult    Kind = "command-result"
)

// payloadTypes maps every known kind to a constructor for its payload
// struct. Decoding into it checks the payload shape.
var payloadTypes = map[Kind]func() any{
	KindSessionInit:      func() any { return new(SessionInit) },
	KindHeartbeat:        func() any { return new(Heartbeat) },
	KindProcessCreate:    func() any { return new(ProcessCreate) },
	KindProcessTerminate: func() any { return new(ProcessTerminate) },
	KindNetworkConnect:   func() any { return new(NetworkConnect) },
	KindDNSQuery:         func() any { return new(DNSQuery) },
	KindLateralMovement:  func() any { return new(LateralMovement) },
	KindFileCreate:       func() any { return new(FileActivity) },
	KindFileModify:       func() any { return new(FileActivity) },
	KindDownloadDetected: func() any { return new(DownloadDetected) },
	KindRegistrySet:      func() any { return new(RegistrySet) },
	KindMemoryAnomaly:    func() any { return new(MemoryAnomaly) },
	KindScreenshotReady:  func() any { return new(ScreenshotReady) },
	KindCommandResult:    func() any { return new(CommandResult) },
}

// Known reports whether k is a defined event kind.
func (k Kind) Known() bool {
	_, ok := payloadTypes[k]
	return ok
}

// IsControl reports whether k is a control kind. Control events carry
// sequence 0 and are consumed by the bridge, not resequenced or
// replayed to subscribers.
func (k Kind) IsControl() bool {
	return k == KindSessionInit || k == KindHeartbeat
}

// Event is one observed fact reported by a guest agent.
type Event struct {
	// SessionID is stamped by the bridge on acceptance. Agents may
	// leave it empty.
	SessionID string `json:"session_id,omitempty"`

	// Sequence is the per-session sequence number: 0 for control
	// kinds, 1 and up for everything else.
	Sequence uint64 `json:"seq"`

	Kind Kind `json:"kind"`

	// Timestamp is the agent's wall clock at observation time.
	Timestamp time.Time `json:"timestamp"`

	// Payload is the kind-specific JSON object.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MaxSequence is the largest sequence number an agent may use. It keeps
// sequences exact in JSON consumers that decode numbers as doubles.
const MaxSequence uint64 = 1<<53 - 1

// NewEvent builds an event with payload marshaled to JSON.
func NewEvent(kind Kind, sequence uint64, timestamp time.Time, payload any) (Event, error) {
	event := Event{Sequence: sequence, Kind: kind, Timestamp: timestamp}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		event.Payload = raw
	}
	return event, nil
}

// FrameType implements Message.
func (Event) FrameType() FrameType { return FrameEvent }

// Validate checks the kind, the sequence rule and the payload shape.
func (e Event) Validate() error {
	constructor, ok := payloadTypes[e.Kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Kind.IsControl() && e.Sequence != 0 {
		return fmt.Errorf("%s event must carry sequence 0, got %d", e.Kind, e.Sequence)
	}
	if !e.Kind.IsControl() && e.Sequence == 0 {
		return fmt.Errorf("%s event must carry a sequence number", e.Kind)
	}
	if e.Sequence > MaxSequence {
		return fmt.Errorf("%s event sequence %d exceeds %d", e.Kind, e.Sequence, MaxSequence)
	}
	if len(e.Payload) == 0 {
		if e.Kind == KindCommandResult || e.Kind == KindSessionInit {
			return fmt.Errorf("%s event requires a payload", e.Kind)
		}
		return nil
	}
	trimmed := bytes.TrimSpace(e.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%s payload must be a JSON object", e.Kind)
	}
	payload := constructor()
	if err := json.Unmarshal(e.Payload, payload); err != nil {
		return fmt.Errorf("%s payload: %w", e.Kind, err)
	}
	if result, ok := payload.(*CommandResult); ok && result.RequestID == "" {
		return errors.New("command-result payload requires request_id")
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// CommandResult decodes the payload of a command-result event.
func (e Event) CommandResult() (CommandResult, error) {
	var result CommandResult
	if e.Kind != KindCommandResult {
		return result, fmt.Errorf("event kind is %s, not %s", e.Kind, KindCommandResult)
	}
	err := e.DecodePayload(&result)
	return result, err
}

// SessionInit is the handshake event. It must be the first frame an
// agent sends on every connection.
type SessionInit struct {
	// SessionID is empty on first contact and the id from the last
	// Welcome on reconnect.
	SessionID string `json:"session_id,omitempty"`

	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	AgentVersion string `json:"agent_version,omitempty"`

	// Capabilities lists the verbs this agent build supports. Empty
	// means a legacy agent; the bridge assumes its default set.
	Capabilities []Verb `json:"capabilities,omitempty"`

	// LastSequence is the highest sequence number the agent has
	// emitted so far in this session.
	LastSequence uint64 `json:"last_sequence,omitempty"`
}

// Heartbeat keeps an idle connection alive and carries the guest
// watchdog's view of the agent.
type Heartbeat struct {
	// Protected reports that the anti-tamper watchdog considers the
	// agent process alive and protected.
	Protected bool `json:"protected"`
}

// ProcessCreate reports a new process.
type ProcessCreate struct {
	PID         uint32 `json:"pid"`
	PPID        uint32 `json:"ppid,omitempty"`
	Image       string `json:"image"`
	Hash        string `json:"hash,omitempty"`
	CommandLine string `json:"command_line,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// ProcessTerminate reports a process exit, including kills the agent
// performed for a KILL command.
type ProcessTerminate struct {
	PID      uint32 `json:"pid"`
	Image    string `json:"image,omitempty"`
	ExitCode int32  `json:"exit_code"`
}

// NetworkConnect reports an outbound connection.
type NetworkConnect struct {
	PID           uint32 `json:"pid"`
	Image         string `json:"image,omitempty"`
	Protocol      string `json:"protocol"`
	RemoteAddress string `json:"remote_address"`
	RemotePort    uint16 `json:"remote_port"`
}

// DNSQuery reports a name resolution.
type DNSQuery struct {
	PID     uint32   `json:"pid"`
	Query   string   `json:"query"`
	Type    string   `json:"type,omitempty"`
	Answers []string `json:"answers,omitempty"`
}

// LateralMovement reports a connection into a port range associated
// with remote administration (SMB, RDP, WinRM).
type LateralMovement struct {
	PID           uint32 `json:"pid"`
	Image         string `json:"image,omitempty"`
	RemoteAddress string `json:"remote_address"`
	RemotePort    uint16 `json:"remote_port"`
	Service       string `json:"service,omitempty"`
}

// FileActivity is the payload of file-create and file-modify.
type FileActivity struct {
	PID  uint32 `json:"pid"`
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// DownloadDetected reports a file fetched from the network.
type DownloadDetected struct {
	PID  uint32 `json:"pid"`
	URL  string `json:"url"`
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// RegistrySet reports a registry value write.
type RegistrySet struct {
	PID   uint32 `json:"pid"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Data  string `json:"data,omitempty"`
}

// MemoryAnomaly reports suspicious memory in a process, such as an
// executable private region.
type MemoryAnomaly struct {
	PID         uint32 `json:"pid"`
	Address     uint64 `json:"address"`
	Size        uint64 `json:"size"`
	Protection  string `json:"protection,omitempty"`
	Description string `json:"description,omitempty"`
}

// ScreenshotReady carries a captured screen image.
type ScreenshotReady struct {
	// RequestID names the SCREENSHOT command that asked for it, if any.
	RequestID string `json:"request_id,omitempty"`
	Format    string `json:"format"`
	Image     []byte `json:"image"`
}

// CommandResult reports the outcome of a command on the guest.
type CommandResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`

	// Data carries binary output, such as the file read by
	// UPLOAD_PIVOT.
	Data []byte `json:"data,omitempty"`
}
