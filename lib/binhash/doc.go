// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes and formats SHA-256 digests of artifacts a
// guest agent hands back: uploaded files, downloaded payloads and
// screenshots carried in command results. The hex form is the one
// written into reports and logs.
package binhash
