// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Verb names a command an agent can execute.
type Verb string

const (
	VerbKill         Verb = "KILL"
	VerbExecBinary   Verb = "EXEC_BINARY"
	VerbDownloadExec Verb = "DOWNLOAD_EXEC"
	VerbExecURL      Verb = "EXEC_URL"
	VerbScreenshot   Verb = "SCREENSHOT"
	VerbUploadPivot  Verb = "UPLOAD_PIVOT"
)

// Verbs lists every defined verb.
var Verbs = []Verb{VerbKill, VerbExecBinary, VerbDownloadExec, VerbExecURL, VerbScreenshot, VerbUploadPivot}

// Known reports whether v is a defined verb.
func (v Verb) Known() bool {
	for _, known := range Verbs {
		if v == known {
			return true
		}
	}
	return false
}

// Args holds the verb-specific command arguments. Which fields are
// required depends on the verb; see [Args.Validate].
type Args struct {
	// PID is the target process of KILL.
	PID uint32 `json:"pid,omitempty"`

	// Path is the executable for EXEC_BINARY and the guest file for
	// UPLOAD_PIVOT.
	Path string `json:"path,omitempty"`

	// Arguments are passed to the EXEC_BINARY executable.
	Arguments []string `json:"arguments,omitempty"`

	// URL is the source for DOWNLOAD_EXEC and EXEC_URL.
	URL string `json:"url,omitempty"`

	// Filename is the guest-side name DOWNLOAD_EXEC saves to.
	Filename string `json:"filename,omitempty"`
}

// Validate checks that args carries exactly what verb needs.
func (a Args) Validate(verb Verb) error {
	var problems []error
	require := func(present bool, field string) {
		if !present {
			problems = append(problems, fmt.Errorf("%s requires %s", verb, field))
		}
	}
	forbid := func(present bool, field string) {
		if present {
			problems = append(problems, fmt.Errorf("%s does not take %s", verb, field))
		}
	}

	switch verb {
	case VerbKill:
		require(a.PID != 0, "pid")
		forbid(a.Path != "", "path")
		forbid(a.URL != "", "url")
		forbid(a.Filename != "", "filename")
		forbid(len(a.Arguments) > 0, "arguments")
	case VerbExecBinary:
		require(a.Path != "", "path")
		forbid(a.PID != 0, "pid")
		forbid(a.URL != "", "url")
		forbid(a.Filename != "", "filename")
	case VerbDownloadExec:
		require(a.URL != "", "url")
		require(a.Filename != "", "filename")
		forbid(a.PID != 0, "pid")
		forbid(a.Path != "", "path")
		forbid(len(a.Arguments) > 0, "arguments")
		if a.Filename != "" && strings.ContainsAny(a.Filename, `/\`) {
			problems = append(problems, fmt.Errorf("%s filename must not contain a path separator: %q", verb, a.Filename))
		}
	case VerbExecURL:
		require(a.URL != "", "url")
		forbid(a.PID != 0, "pid")
		forbid(a.Path != "", "path")
		forbid(a.Filename != "", "filename")
		forbid(len(a.Arguments) > 0, "arguments")
	case VerbScreenshot:
		forbid(a.PID != 0, "pid")
		forbid(a.Path != "", "path")
		forbid(a.URL != "", "url")
		forbid(a.Filename != "", "filename")
		forbid(len(a.Arguments) > 0, "arguments")
	case VerbUploadPivot:
		require(a.Path != "", "path")
		forbid(a.PID != 0, "pid")
		forbid(a.URL != "", "url")
		forbid(a.Filename != "", "filename")
		forbid(len(a.Arguments) > 0, "arguments")
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}

	if a.URL != "" {
		if err := validateURL(a.URL); err != nil {
			problems = append(problems, fmt.Errorf("%s url: %w", verb, err))
		}
	}
	return errors.Join(problems...)
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Line renders verb and args in the analyst text form accepted by
// [ParseCommandLine].
func (a Args) Line(verb Verb) string {
	parts := []string{string(verb)}
	switch verb {
	case VerbKill:
		parts = append(parts, strconv.FormatUint(uint64(a.PID), 10))
	case VerbExecBinary:
		parts = append(parts, quoteToken(a.Path))
		for _, argument := range a.Arguments {
			parts = append(parts, quoteToken(argument))
		}
	case VerbDownloadExec:
		parts = append(parts, quoteToken(a.URL), quoteToken(a.Filename))
	case VerbExecURL:
		parts = append(parts, quoteToken(a.URL))
	case VerbUploadPivot:
		parts = append(parts, quoteToken(a.Path))
	}
	return strings.Join(parts, " ")
}

func quoteToken(token string) string {
	if token == "" || strings.ContainsAny(token, " \t") {
		return `"` + token + `"`
	}
	return token
}

// Command is a request issued to one session's agent.
type Command struct {
	// RequestID correlates the command-result the agent sends back.
	RequestID string `json:"request_id"`

	Verb Verb `json:"verb"`
	Args Args `json:"args"`

	IssuedAt time.Time `json:"issued_at"`

	// Deadline is informational for the agent. The bridge enforces it
	// regardless of what the agent does.
	Deadline time.Time `json:"deadline"`
}

// FrameType implements Message.
func (Command) FrameType() FrameType { return FrameCommand }

// Validate checks the request id, the verb and its arguments.
func (c Command) Validate() error {
	if c.RequestID == "" {
		return errors.New("command requires request_id")
	}
	if !c.Verb.Known() {
		return fmt.Errorf("unknown verb %q", c.Verb)
	}
	return c.Args.Validate(c.Verb)
}

// String returns the analyst text form of the command.
func (c Command) String() string { return c.Args.Line(c.Verb) }

// ParseCommandLine parses the analyst text form:
//
//	KILL <pid>
//	EXEC_BINARY <path> [args...]
//	DOWNLOAD_EXEC <url> <filename>
//	EXEC_URL <url>
//	SCREENSHOT
//	UPLOAD_PIVOT <path>
//
// The verb is case-insensitive. Tokens are separated by whitespace; a
// double-quoted token may contain spaces. Backslashes are literal so
// Windows paths need no escaping.
func ParseCommandLine(line string) (Verb, Args, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return "", Args{}, err
	}
	if len(tokens) == 0 {
		return "", Args{}, errors.New("empty command")
	}
	verb := Verb(strings.ToUpper(tokens[0]))
	operands := tokens[1:]

	expect := func(minimum, maximum int, usage string) error {
		if len(operands) < minimum || (maximum >= 0 && len(operands) > maximum) {
			return fmt.Errorf("usage: %s %s", verb, usage)
		}
		return nil
	}

	var args Args
	switch verb {
	case VerbKill:
		if err := expect(1, 1, "<pid>"); err != nil {
			return "", Args{}, err
		}
		pid, err := strconv.ParseUint(operands[0], 10, 32)
		if err != nil || pid == 0 {
			return "", Args{}, fmt.Errorf("invalid pid %q", operands[0])
		}
		args.PID = uint32(pid)
	case VerbExecBinary:
		if err := expect(1, -1, "<path> [args...]"); err != nil {
			return "", Args{}, err
		}
		args.Path = operands[0]
		if len(operands) > 1 {
			args.Arguments = operands[1:]
		}
	case VerbDownloadExec:
		if err := expect(2, 2, "<url> <filename>"); err != nil {
			return "", Args{}, err
		}
		args.URL, args.Filename = operands[0], operands[1]
	case VerbExecURL:
		if err := expect(1, 1, "<url>"); err != nil {
			return "", Args{}, err
		}
		args.URL = operands[0]
	case VerbScreenshot:
		if err := expect(0, 0, ""); err != nil {
			return "", Args{}, err
		}
	case VerbUploadPivot:
		if err := expect(1, 1, "<path>"); err != nil {
			return "", Args{}, err
		}
		args.Path = operands[0]
	default:
		return "", Args{}, fmt.Errorf("unknown verb %q", tokens[0])
	}

	if err := args.Validate(verb); err != nil {
		return "", Args{}, err
	}
	return verb, args, nil
}

func tokenize(line string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inQuotes, inToken := false, false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			inToken = true
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if inQuotes {
		return nil, errors.New("unterminated quote")
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
