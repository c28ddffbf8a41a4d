// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/hyperbridge-labs/hyperbridge/lib/codec"
)

// Compression modes.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// MaxReportSize bounds the decoded CBOR read back by ReadFile.
const MaxReportSize = 1 << 30

const (
	baseExtension = ".report.cbor"
	lz4Extension  = ".lz4"
	zstdExtension = ".zst"
	ageExtension  = ".age"

	// digestPrefixLength is the number of BLAKE3 bytes in a file name.
	digestPrefixLength = 8
)

var _ Sink = (*FileSink)(nil)

// FileSink writes each report to its own file in a directory.
type FileSink struct {
	directory   string
	compression string
	recipients  []age.Recipient
}

// NewFileSink creates directory if needed and returns a sink writing
// into it. recipients are age public keys (age1...); when given,
// reports are encrypted to all of them.
func NewFileSink(directory, compression string, recipients []string) (*FileSink, error) {
	switch compression {
	case "":
		compression = CompressionNone
	case CompressionNone, CompressionLZ4, CompressionZstd:
	default:
		return nil, fmt.Errorf("report: unknown compression %q", compression)
	}
	sink := &FileSink{directory: directory, compression: compression}
	for _, recipient := range recipients {
		parsed, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("report: parsing recipient %q: %w", recipient, err)
		}
		sink.recipients = append(sink.recipients, parsed)
	}
	if err := os.MkdirAll(directory, 0o750); err != nil {
		return nil, fmt.Errorf("report: creating %s: %w", directory, err)
	}
	return sink, nil
}

// Write encodes, compresses and encrypts report into a temporary file
// and renames it into place, so readers never observe a partial
// report. It returns the final path.
func (s *FileSink) Write(_ context.Context, report *Report) (string, error) {
	data, err := codec.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	digest := blake3.Sum256(data)
	name := report.Session.ID + "-" + hex.EncodeToString(digest[:digestPrefixLength]) + baseExtension
	switch s.compression {
	case CompressionLZ4:
		name += lz4Extension
	case CompressionZstd:
		name += zstdExtension
	}
	if len(s.recipients) > 0 {
		name += ageExtension
	}
	final := filepath.Join(s.directory, name)

	temporary, err := os.CreateTemp(s.directory, ".report-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(temporary.Name())
	defer temporary.Close()

	if err := s.encode(temporary, data); err != nil {
		return "", err
	}
	if err := temporary.Sync(); err != nil {
		return "", err
	}
	if err := temporary.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(temporary.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

// encode runs data through the compression and encryption layers.
// Closing order matters: the compressor flushes into the age writer,
// which must then be closed to emit its final chunk.
func (s *FileSink) encode(destination io.Writer, data []byte) error {
	var closers []io.Closer
	writer := destination
	if len(s.recipients) > 0 {
		encrypted, err := age.Encrypt(writer, s.recipients...)
		if err != nil {
			return fmt.Errorf("starting encryption: %w", err)
		}
		closers = append(closers, encrypted)
		writer = encrypted
	}
	switch s.compression {
	case CompressionLZ4:
		compressed := lz4.NewWriter(writer)
		closers = append(closers, compressed)
		writer = compressed
	case CompressionZstd:
		compressed, err := zstd.NewWriter(writer)
		if err != nil {
			return fmt.Errorf("starting zstd: %w", err)
		}
		closers = append(closers, compressed)
		writer = compressed
	}

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			return fmt.Errorf("finishing report: %w", err)
		}
	}
	return nil
}

// ReadFile decodes a report written by FileSink. Encrypted reports
// need a matching identity.
func ReadFile(path string, identities ...age.Identity) (*Report, error) {
	data, err := ReadRaw(path, identities...)
	if err != nil {
		return nil, err
	}
	var report Report
	if err := codec.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &report, nil
}

// ReadRaw returns the CBOR bytes of a report file after decryption and
// decompression, verified against the digest in the file name.
func ReadRaw(path string, identities ...age.Identity) ([]byte, error) {
	name := filepath.Base(path)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader = file
	if trimmed, ok := strings.CutSuffix(name, ageExtension); ok {
		if len(identities) == 0 {
			return nil, fmt.Errorf("%s is encrypted and no identity was given", path)
		}
		decrypted, err := age.Decrypt(reader, identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", path, err)
		}
		reader, name = decrypted, trimmed
	}
	if trimmed, ok := strings.CutSuffix(name, zstdExtension); ok {
		decoder, err := zstd.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("starting zstd: %w", err)
		}
		defer decoder.Close()
		reader, name = decoder, trimmed
	} else if trimmed, ok := strings.CutSuffix(name, lz4Extension); ok {
		reader, name = lz4.NewReader(reader), trimmed
	}

	stem, ok := strings.CutSuffix(name, baseExtension)
	if !ok {
		return nil, fmt.Errorf("%s is not a report file", path)
	}
	separator := strings.LastIndexByte(stem, '-')
	if separator < 0 {
		return nil, fmt.Errorf("%s has no digest in its name", path)
	}
	expected := stem[separator+1:]

	data, err := io.ReadAll(io.LimitReader(reader, MaxReportSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > MaxReportSize {
		return nil, errors.New("report exceeds the maximum size")
	}
	digest := blake3.Sum256(data)
	if actual := hex.EncodeToString(digest[:digestPrefixLength]); actual != expected {
		return nil, fmt.Errorf("%s: content digest %s does not match name", path, actual)
	}
	return data, nil
}

// ParseIdentities reads age identities (AGE-SECRET-KEY-1... lines).
func ParseIdentities(r io.Reader) ([]age.Identity, error) {
	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parsing age identities: %w", err)
	}
	return identities, nil
}
