// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package report persists a finished session's telemetry.
//
// A [Collector] is the bridge's observer: it accumulates every
// accepted event per session (up to a configured maximum, after which
// events are counted but not kept), records a SHA-256 digest of every
// binary artifact a command returned, and when the session ends asks
// the optional enrichment [enrich.Scorer] for an assessment and hands
// the finished [Report] to a [Sink].
//
// [FileSink] is the on-disk sink. A report file is the report's
// deterministic CBOR encoding, optionally compressed (lz4 or zstd) and
// optionally encrypted to age recipients, named
//
//	<session id>-<blake3 prefix>.report.cbor[.lz4|.zst][.age]
//
// where the prefix is the first 8 bytes of the BLAKE3 digest of the
// CBOR bytes. [ReadFile] reverses the pipeline and checks the digest.
package report
