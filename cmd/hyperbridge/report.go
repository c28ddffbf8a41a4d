// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"

	"filippo.io/age"
	"github.com/spf13/pflag"

	"github.com/hyperbridge-labs/hyperbridge/lib/codec"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/report"
)

func runReport(args []string) error {
	var (
		identityPath string
		raw          bool
		asJSON       bool
	)
	flagSet := pflag.NewFlagSet("hyperbridge report", pflag.ContinueOnError)
	flagSet.StringVarP(&identityPath, "identity", "i", "", "age identity file for encrypted reports")
	flagSet.BoolVar(&raw, "raw", false, "print CBOR diagnostic notation instead of a summary")
	flagSet.BoolVar(&asJSON, "json", false, "print the full report as JSON")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  hyperbridge report [flags] <file>\n\nFlags:\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected exactly one report file")
	}
	path := flagSet.Arg(0)

	var identities []age.Identity
	if identityPath != "" {
		file, err := os.Open(identityPath)
		if err != nil {
			return err
		}
		identities, err = report.ParseIdentities(file)
		file.Close()
		if err != nil {
			return err
		}
	}

	if raw {
		data, err := report.ReadRaw(path, identities...)
		if err != nil {
			return err
		}
		diagnostic, err := codec.Diagnose(data)
		if err != nil {
			return err
		}
		fmt.Println(diagnostic)
		return nil
	}

	decoded, err := report.ReadFile(path, identities...)
	if err != nil {
		return err
	}
	if asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(decoded)
	}
	return printSummary(os.Stdout, decoded)
}

func printSummary(w io.Writer, r *report.Report) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "session\t%s\n", r.Session.ID)
	fmt.Fprintf(writer, "host\t%s (%s)\n", r.Session.Hostname, r.Session.OS)
	fmt.Fprintf(writer, "agent\t%s\n", r.Session.AgentVersion)
	fmt.Fprintf(writer, "lifetime\t%s to %s\n", r.Session.CreatedAt.Format("2006-01-02 15:04:05"), r.Session.LastSeen.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(writer, "connects\t%d\n", r.Session.Connects)
	fmt.Fprintf(writer, "ended\t%s\n", r.EndReason)
	fmt.Fprintf(writer, "events\t%d", len(r.Events))
	if r.Truncated {
		fmt.Fprintf(writer, " (+%d dropped)", r.DroppedEvents)
	}
	fmt.Fprintln(writer)

	kinds := make([]protocol.Kind, 0, len(r.Counts))
	for kind := range r.Counts {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(writer, "  %s\t%d\n", kind, r.Counts[kind])
	}
	for _, artifact := range r.Artifacts {
		fmt.Fprintf(writer, "artifact\tseq %d %s %d bytes sha256:%s\n", artifact.Sequence, artifact.Kind, artifact.Size, artifact.SHA256)
	}
	switch {
	case r.Assessment != nil:
		fmt.Fprintf(writer, "verdict\t%s (score %d)\n", r.Assessment.Verdict, r.Assessment.ThreatScore)
		if r.Assessment.Summary != "" {
			fmt.Fprintf(writer, "summary\t%s\n", r.Assessment.Summary)
		}
	case r.AssessmentError != "":
		fmt.Fprintf(writer, "verdict\tunavailable: %s\n", r.AssessmentError)
	}
	return writer.Flush()
}
