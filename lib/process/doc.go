// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the binaries
// under cmd/. Everything after logger construction goes through slog;
// this package covers the moments before a logger exists.
package process
