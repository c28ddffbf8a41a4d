// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// placeholderPNG is a 1x1 transparent PNG returned for SCREENSHOT.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

const downloadDirectory = `C:\Users\Public\Downloads\`

// execute simulates command on the guest: it emits the events the
// real agent would observe and then the command-result.
func (a *Agent) execute(command protocol.Command) {
	logger := a.Logger.With("request_id", command.RequestID, "command", command.String())
	logger.Info("command received")

	result := protocol.CommandResult{RequestID: command.RequestID, Success: true}
	args := command.Args
	switch command.Verb {
	case protocol.VerbKill:
		a.mu.Lock()
		index := slices.Index(a.active, args.PID)
		if index >= 0 {
			a.active = slices.Delete(a.active, index, index+1)
		}
		a.mu.Unlock()
		if index < 0 {
			result.Success = false
			result.Error = fmt.Sprintf("no process with pid %d", args.PID)
			break
		}
		a.emitLogged(protocol.KindProcessTerminate, protocol.ProcessTerminate{PID: args.PID, ExitCode: 1})
		result.Output = fmt.Sprintf("process %d terminated by remote analyst", args.PID)

	case protocol.VerbExecBinary:
		pid := a.spawn(args.Path, args.Arguments)
		result.Output = fmt.Sprintf("started %s as pid %d", args.Path, pid)

	case protocol.VerbDownloadExec:
		target := downloadDirectory + args.Filename
		a.emitLogged(protocol.KindDownloadDetected, protocol.DownloadDetected{URL: args.URL, Path: target})
		pid := a.spawn(target, nil)
		result.Output = fmt.Sprintf("downloaded %s to %s, started as pid %d", args.URL, target, pid)

	case protocol.VerbExecURL:
		pid := a.spawn("msedge.exe", []string{args.URL})
		result.Output = fmt.Sprintf("opened %s in pid %d", args.URL, pid)

	case protocol.VerbScreenshot:
		a.emitLogged(protocol.KindScreenshotReady, protocol.ScreenshotReady{
			RequestID: command.RequestID,
			Format:    "png",
			Image:     placeholderPNG,
		})
		result.Output = "screenshot captured"

	case protocol.VerbUploadPivot:
		result.Data = fmt.Appendf(nil, "mock contents of %s\n", args.Path)
		result.Output = fmt.Sprintf("read %d bytes from %s", len(result.Data), args.Path)

	default:
		result.Success = false
		result.Error = fmt.Sprintf("unsupported verb %s", command.Verb)
	}

	a.emitLogged(protocol.KindCommandResult, result)
	logger.Info("command completed", "success", result.Success)
}

// spawn records a new process and emits its process-create.
func (a *Agent) spawn(image string, arguments []string) uint32 {
	pid := uint32(1000 + rand.IntN(9000))
	a.mu.Lock()
	parent := a.parentLocked()
	a.active = append(a.active, pid)
	a.mu.Unlock()
	a.emitLogged(protocol.KindProcessCreate, protocol.ProcessCreate{
		PID:         pid,
		PPID:        parent,
		Image:       image,
		CommandLine: strings.Join(append([]string{image}, arguments...), " "),
	})
	return pid
}

func (a *Agent) emitLogged(kind protocol.Kind, payload any) {
	if err := a.emit(kind, payload); err != nil {
		a.Logger.Debug("event buffered for retransmission", "kind", kind, "error", err)
	}
}
