// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"slices"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

// fallbackImages is used when the local process table cannot be read.
var fallbackImages = []string{"svchost.exe", "explorer.exe", "chrome.exe", "malware.exe", "powershell.exe"}

// Identity is what the agent reports in session-init.
type Identity struct {
	Hostname string
	OS       string

	// Images are process names the random generator draws from.
	Images []string
}

// DiscoverIdentity reads the local host name, OS and a sample of
// running process names, so that mock sessions look like the machine
// they run on.
func DiscoverIdentity(ctx context.Context, logger *slog.Logger) Identity {
	identity := Identity{OS: runtime.GOOS}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		logger.Warn("reading host info", "error", err)
		identity.Hostname, _ = os.Hostname()
	} else {
		identity.Hostname = info.Hostname
		identity.OS = info.OS
		if info.Platform != "" {
			identity.OS = info.OS + "/" + info.Platform + " " + info.PlatformVersion
		}
	}

	processes, err := process.ProcessesWithContext(ctx)
	if err != nil {
		logger.Warn("listing processes", "error", err)
	}
	for _, proc := range processes {
		name, err := proc.NameWithContext(ctx)
		if err != nil || name == "" || slices.Contains(identity.Images, name) {
			continue
		}
		identity.Images = append(identity.Images, name)
		if len(identity.Images) == 32 {
			break
		}
	}
	if len(identity.Images) == 0 {
		identity.Images = slices.Clone(fallbackImages)
	}
	return identity
}
