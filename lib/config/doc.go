// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the
// hyperbridge daemon.
//
// Configuration is loaded from a single file named by either the
// HYPERBRIDGE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no discovery and no fallback search.
// A daemon started without a config file runs on [Default].
//
// The file may contain environment-specific sections (development,
// staging, production). The section matching [Config].Environment is
// decoded over the base values after the file is loaded, so it only
// needs to name the fields it changes. Production additionally
// requires an API token secret.
//
// Durations are written as Go duration strings ("30s", "2m").
// ${HOME} and ${VAR:-default} patterns are expanded in path fields.
//
// Key exports:
//
//   - [Config] -- master struct with Bridge, Dispatch, Fanout, API,
//     Report and Enrichment sections
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every problem at once
//
// This package depends on no other hyperbridge packages.
package config
