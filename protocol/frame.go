// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// FrameType is the first byte of every frame.
type FrameType byte

const (
	FrameEvent   FrameType = 0x01
	FrameCommand FrameType = 0x02
	FrameWelcome FrameType = 0x03
)

func (t FrameType) String() string {
	switch t {
	case FrameEvent:
		return "event"
	case FrameCommand:
		return "command"
	case FrameWelcome:
		return "welcome"
	default:
		return fmt.Sprintf("frame(0x%02x)", byte(t))
	}
}

// HeaderLength is the fixed frame header size: 1 byte type + 4 bytes
// payload length.
const HeaderLength = 5

// DefaultMaxPayload is the payload bound used by [Decode]. Screenshots
// are the largest legitimate payload.
const DefaultMaxPayload = 8 << 20

// ErrIncompleteFrame is returned by Decode when buf holds only a prefix
// of a frame. The caller should read more bytes and retry.
var ErrIncompleteFrame = errors.New("protocol: incomplete frame")

// DecodeError reports a frame that can never decode. The connection
// it arrived on must be dropped.
type DecodeError struct {
	Frame  FrameType
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: invalid %s frame: %s: %v", e.Frame, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: invalid %s frame: %s", e.Frame, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Message is one decoded frame: an [Event], a [Command] or a [Welcome].
type Message interface {
	// FrameType returns the frame type the message travels in.
	FrameType() FrameType

	// Validate reports whether the message is well formed.
	Validate() error
}

// Decode decodes the first frame in buf, bounding the payload at
// [DefaultMaxPayload]. See [DecodeLimit].
func Decode(buf []byte) (Message, int, error) {
	return DecodeLimit(buf, DefaultMaxPayload)
}

// DecodeLimit decodes the first frame in buf and returns the message
// and the number of bytes consumed. It returns ErrIncompleteFrame when
// buf is a strict prefix of a frame whose announced length is within
// maxPayload, and a *DecodeError for anything that cannot become a
// valid frame.
func DecodeLimit(buf []byte, maxPayload int) (Message, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrIncompleteFrame
	}
	frame := FrameType(buf[0])
	switch frame {
	case FrameEvent, FrameCommand, FrameWelcome:
	default:
		return nil, 0, &DecodeError{Frame: frame, Reason: "unknown frame type"}
	}
	if len(buf) < HeaderLength {
		return nil, 0, ErrIncompleteFrame
	}
	length := binary.BigEndian.Uint32(buf[1:HeaderLength])
	if uint64(length) > uint64(maxPayload) {
		return nil, 0, &DecodeError{
			Frame:  frame,
			Reason: fmt.Sprintf("payload length %d exceeds maximum %d", length, maxPayload),
		}
	}
	if length == 0 {
		return nil, 0, &DecodeError{Frame: frame, Reason: "empty payload"}
	}
	total := HeaderLength + int(length)
	if len(buf) < total {
		return nil, 0, ErrIncompleteFrame
	}
	payload := buf[HeaderLength:total]

	var message Message
	var err error
	switch frame {
	case FrameEvent:
		var event Event
		err = json.Unmarshal(payload, &event)
		message = event
	case FrameCommand:
		var command Command
		err = json.Unmarshal(payload, &command)
		message = command
	case FrameWelcome:
		var welcome Welcome
		err = json.Unmarshal(payload, &welcome)
		message = welcome
	}
	if err != nil {
		return nil, 0, &DecodeError{Frame: frame, Reason: "malformed payload", Err: err}
	}
	if err := message.Validate(); err != nil {
		return nil, 0, &DecodeError{Frame: frame, Reason: "invalid message", Err: err}
	}
	return message, total, nil
}

// Encode validates message and returns its complete frame.
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, errors.New("protocol: encode nil message")
	}
	if err := message.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", message.FrameType(), err)
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", message.FrameType(), err)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("protocol: %s payload of %d bytes cannot be framed", message.FrameType(), len(payload))
	}
	frame := make([]byte, HeaderLength+len(payload))
	frame[0] = byte(message.FrameType())
	binary.BigEndian.PutUint32(frame[1:HeaderLength], uint32(len(payload)))
	copy(frame[HeaderLength:], payload)
	return frame, nil
}

// WriteMessage encodes message and writes the frame to w in a single
// Write call.
func WriteMessage(w io.Writer, message Message) error {
	frame, err := Encode(message)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", message.FrameType(), err)
	}
	return nil
}

// Reader decodes a stream of frames. Its buffer never holds more than
// one maximum-size frame plus one read chunk.
type Reader struct {
	source     io.Reader
	maxPayload int
	buffer     []byte
	chunk      []byte
}

// NewReader returns a Reader over r. A non-positive maxPayload means
// DefaultMaxPayload.
func NewReader(r io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{
		source:     r,
		maxPayload: maxPayload,
		chunk:      make([]byte, 32<<10),
	}
}

// Next returns the next message. A clean end of stream between frames
// returns io.EOF; a stream that ends inside a frame returns
// io.ErrUnexpectedEOF. Decode failures are *DecodeError.
func (r *Reader) Next() (Message, error) {
	for {
		message, consumed, err := DecodeLimit(r.buffer, r.maxPayload)
		if err == nil {
			remaining := copy(r.buffer, r.buffer[consumed:])
			r.buffer = r.buffer[:remaining]
			return message, nil
		}
		if !errors.Is(err, ErrIncompleteFrame) {
			return nil, err
		}

		n, readErr := r.source.Read(r.chunk)
		r.buffer = append(r.buffer, r.chunk[:n]...)
		if readErr != nil {
			if n > 0 {
				// Decode what arrived before reporting the error.
				continue
			}
			if errors.Is(readErr, io.EOF) && len(r.buffer) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, readErr
		}
	}
}

// Buffered returns the number of bytes read from the source but not yet
// decoded.
func (r *Reader) Buffered() int { return len(r.buffer) }
