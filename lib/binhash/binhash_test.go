// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashFileMatchesHashBytes(t *testing.T) {
	t.Parallel()
	content := []byte("MZ\x90\x00 dropped payload")
	path := filepath.Join(t.TempDir(), "payload.exe")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != HashBytes(content) {
		t.Errorf("HashFile = %x, HashBytes = %x", got, HashBytes(content))
	}
	if got != sha256.Sum256(content) {
		t.Errorf("HashFile = %x, want sha256 %x", got, sha256.Sum256(content))
	}
}

func TestHashReaderCountsBytes(t *testing.T) {
	t.Parallel()
	_, n, err := HashReader(strings.NewReader("abc123"))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if n != 6 {
		t.Errorf("n = %d, want 6", n)
	}
}

func TestHashFileMissing(t *testing.T) {
	t.Parallel()
	if _, err := HashFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("HashFile on a missing file succeeded")
	}
}

func TestFormatParseDigest(t *testing.T) {
	t.Parallel()
	digest := HashBytes([]byte("screenshot"))
	formatted := FormatDigest(digest)
	if len(formatted) != 64 {
		t.Fatalf("FormatDigest length = %d, want 64", len(formatted))
	}
	parsed, err := ParseDigest(formatted)
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != digest {
		t.Errorf("ParseDigest(FormatDigest(d)) = %x, want %x", parsed, digest)
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 31)} {
		if _, err := ParseDigest(bad); err == nil {
			t.Errorf("ParseDigest(%q) succeeded", bad)
		}
	}
}
