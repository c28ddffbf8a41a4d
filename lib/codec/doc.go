// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for persisted session
// reports.
//
// Reports are encoded with Core Deterministic Encoding (RFC 8949
// §4.2), so the same report always produces the same bytes and its
// content digest is stable. Callers import this package rather than
// fxamacker/cbor directly so the encoder options live in one place.
//
// The wire protocol between bridge and guest agent is JSON, not CBOR;
// see package protocol.
package codec
