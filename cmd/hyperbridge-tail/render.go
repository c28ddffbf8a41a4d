// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"

	"github.com/hyperbridge-labs/hyperbridge/fanout"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// printer renders deliveries one line each, styled by event category
// and truncated to the terminal width.
type printer struct {
	out   io.Writer
	width int

	timestamp lipgloss.Style
	sequence  lipgloss.Style
	process   lipgloss.Style
	network   lipgloss.Style
	file      lipgloss.Style
	alert     lipgloss.Style
	result    lipgloss.Style
	notice    lipgloss.Style
}

// newPrinter styles for out. A zero width disables truncation; plain
// disables colour.
func newPrinter(out io.Writer, width int, plain bool) *printer {
	renderer := lipgloss.NewRenderer(out)
	if plain {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return &printer{
		out:       out,
		width:     width,
		timestamp: renderer.NewStyle().Faint(true),
		sequence:  renderer.NewStyle().Foreground(lipgloss.Color("245")),
		process:   renderer.NewStyle().Foreground(lipgloss.Color("42")),
		network:   renderer.NewStyle().Foreground(lipgloss.Color("39")),
		file:      renderer.NewStyle().Foreground(lipgloss.Color("214")),
		alert:     renderer.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		result:    renderer.NewStyle().Foreground(lipgloss.Color("171")),
		notice:    renderer.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
	}
}

func (p *printer) print(delivery fanout.Delivery) {
	line := p.format(delivery)
	if p.width > 0 {
		line = ansi.Truncate(line, p.width, "…")
	}
	fmt.Fprintln(p.out, line)
}

func (p *printer) format(delivery fanout.Delivery) string {
	switch delivery.Type {
	case fanout.DeliveryGap:
		return p.alert.Render(fmt.Sprintf("── gap: events %d-%d were lost ──", delivery.Gap.From, delivery.Gap.To))
	case fanout.DeliveryState:
		return p.notice.Render("── agent " + delivery.State + " ──")
	case fanout.DeliveryEnd:
		return p.notice.Render(fmt.Sprintf("── stream ended: %s (last seq %d) ──", delivery.Reason, delivery.Sequence))
	case fanout.DeliveryEvent:
		if delivery.Event == nil {
			return p.notice.Render("── empty event ──")
		}
		event := *delivery.Event
		style, summary := p.describe(event)
		return strings.Join([]string{
			p.timestamp.Render(event.Timestamp.Local().Format("15:04:05.000")),
			p.sequence.Render(fmt.Sprintf("#%-6d", event.Sequence)),
			style.Render(fmt.Sprintf("%-18s", event.Kind)),
			summary,
		}, " ")
	default:
		return p.notice.Render("── unknown delivery " + string(delivery.Type) + " ──")
	}
}

// describe picks a style and a one-line summary for event.
func (p *printer) describe(event protocol.Event) (lipgloss.Style, string) {
	switch event.Kind {
	case protocol.KindProcessCreate:
		var payload protocol.ProcessCreate
		if event.DecodePayload(&payload) == nil {
			return p.process, fmt.Sprintf("pid %d ← %d %s %s", payload.PID, payload.PPID, payload.Image, payload.CommandLine)
		}
	case protocol.KindProcessTerminate:
		var payload protocol.ProcessTerminate
		if event.DecodePayload(&payload) == nil {
			return p.process, fmt.Sprintf("pid %d exited %d %s", payload.PID, payload.ExitCode, payload.Image)
		}
	case protocol.KindNetworkConnect:
		var payload protocol.NetworkConnect
		if event.DecodePayload(&payload) == nil {
			return p.network, fmt.Sprintf("pid %d %s → %s:%d", payload.PID, payload.Protocol, payload.RemoteAddress, payload.RemotePort)
		}
	case protocol.KindDNSQuery:
		var payload protocol.DNSQuery
		if event.DecodePayload(&payload) == nil {
			return p.network, fmt.Sprintf("pid %d %s %s", payload.PID, payload.Query, strings.Join(payload.Answers, ","))
		}
	case protocol.KindLateralMovement:
		var payload protocol.LateralMovement
		if event.DecodePayload(&payload) == nil {
			return p.alert, fmt.Sprintf("pid %d → %s:%d %s", payload.PID, payload.RemoteAddress, payload.RemotePort, payload.Service)
		}
	case protocol.KindFileCreate, protocol.KindFileModify:
		var payload protocol.FileActivity
		if event.DecodePayload(&payload) == nil {
			return p.file, fmt.Sprintf("pid %d %s", payload.PID, payload.Path)
		}
	case protocol.KindDownloadDetected:
		var payload protocol.DownloadDetected
		if event.DecodePayload(&payload) == nil {
			return p.file, fmt.Sprintf("pid %d %s → %s", payload.PID, payload.URL, payload.Path)
		}
	case protocol.KindRegistrySet:
		var payload protocol.RegistrySet
		if event.DecodePayload(&payload) == nil {
			return p.file, fmt.Sprintf("pid %d %s\\%s = %s", payload.PID, payload.Key, payload.Value, payload.Data)
		}
	case protocol.KindMemoryAnomaly:
		var payload protocol.MemoryAnomaly
		if event.DecodePayload(&payload) == nil {
			return p.alert, fmt.Sprintf("pid %d 0x%x+%d %s %s", payload.PID, payload.Address, payload.Size, payload.Protection, payload.Description)
		}
	case protocol.KindScreenshotReady:
		var payload protocol.ScreenshotReady
		if event.DecodePayload(&payload) == nil {
			return p.result, fmt.Sprintf("%s %d bytes", payload.Format, len(payload.Image))
		}
	case protocol.KindCommandResult:
		if result, err := event.CommandResult(); err == nil {
			status := "ok"
			detail := result.Output
			if !result.Success {
				status, detail = "failed", result.Error
			}
			return p.result, fmt.Sprintf("%s %s %s", result.RequestID, status, detail)
		}
	}
	return p.notice, string(event.Payload)
}
