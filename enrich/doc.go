// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package enrich scores a finished session's telemetry through an
// external analysis service.
//
// The service is opaque to hyperbridge: it receives the session's
// events as a JSON batch and returns an [Assessment] with a verdict
// (benign, suspicious or malicious), a 0-100 threat score and a
// summary. [HTTPScorer] is the only implementation; reports carry the
// assessment when scoring is configured and succeeds, and are written
// without one otherwise.
package enrich
