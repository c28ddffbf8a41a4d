// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"reflect"
	"testing"
)

func TestParseCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		verb Verb
		args Args
	}{
		{"KILL 4821", VerbKill, Args{PID: 4821}},
		{"kill   4821  ", VerbKill, Args{PID: 4821}},
		{`EXEC_BINARY C:\tools\x.exe -a -b`, VerbExecBinary, Args{Path: `C:\tools\x.exe`, Arguments: []string{"-a", "-b"}}},
		{`EXEC_BINARY "C:\Program Files\x.exe"`, VerbExecBinary, Args{Path: `C:\Program Files\x.exe`}},
		{"DOWNLOAD_EXEC https://example.com/a.exe a.exe", VerbDownloadExec, Args{URL: "https://example.com/a.exe", Filename: "a.exe"}},
		{"EXEC_URL http://example.com/run", VerbExecURL, Args{URL: "http://example.com/run"}},
		{"SCREENSHOT", VerbScreenshot, Args{}},
		{`UPLOAD_PIVOT C:\Temp\drop.dll`, VerbUploadPivot, Args{Path: `C:\Temp\drop.dll`}},
	}
	for _, test := range tests {
		verb, args, err := ParseCommandLine(test.line)
		if err != nil {
			t.Errorf("ParseCommandLine(%q): %v", test.line, err)
			continue
		}
		if verb != test.verb || !reflect.DeepEqual(args, test.args) {
			t.Errorf("ParseCommandLine(%q) = %s %#v, want %s %#v", test.line, verb, args, test.verb, test.args)
		}

		// The rendered form parses back to the same command.
		reparsedVerb, reparsedArgs, err := ParseCommandLine(args.Line(verb))
		if err != nil {
			t.Errorf("ParseCommandLine(Line(%q)): %v", test.line, err)
			continue
		}
		if reparsedVerb != verb || !reflect.DeepEqual(reparsedArgs, args) {
			t.Errorf("Line(%q) = %q does not parse back", test.line, args.Line(verb))
		}
	}
}

func TestParseCommandLineErrors(t *testing.T) {
	t.Parallel()
	for _, line := range []string{
		"",
		"   ",
		"KILL",
		"KILL abc",
		"KILL 0",
		"KILL 1 2",
		"EXEC_BINARY",
		"DOWNLOAD_EXEC https://example.com/a.exe",
		`DOWNLOAD_EXEC https://example.com/a.exe ..\a.exe`,
		"EXEC_URL ftp://example.com/x",
		"EXEC_URL not-a-url",
		"SCREENSHOT now",
		"UPLOAD_PIVOT",
		"REBOOT",
		`EXEC_BINARY "C:\unterminated`,
	} {
		if verb, args, err := ParseCommandLine(line); err == nil {
			t.Errorf("ParseCommandLine(%q) = %s %#v, want error", line, verb, args)
		}
	}
}

func TestArgsValidateRejectsForeignFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		verb Verb
		args Args
	}{
		{VerbKill, Args{PID: 1, Path: "x"}},
		{VerbExecURL, Args{URL: "http://example.com", Filename: "x"}},
		{VerbUploadPivot, Args{Path: "x", Arguments: []string{"y"}}},
		{VerbScreenshot, Args{URL: "http://example.com"}},
		{Verb("NOPE"), Args{}},
	}
	for _, test := range tests {
		if err := test.args.Validate(test.verb); err == nil {
			t.Errorf("Args%#v.Validate(%s) succeeded", test.args, test.verb)
		}
	}
}

func TestCommandString(t *testing.T) {
	t.Parallel()
	command := Command{RequestID: "r", Verb: VerbKill, Args: Args{PID: 4821}}
	if got := command.String(); got != "KILL 4821" {
		t.Errorf("String() = %q, want %q", got, "KILL 4821")
	}
}
