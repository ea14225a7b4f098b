// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package frame reassembles controller responses from an arbitrarily chunked
// byte stream.
//
// Text dialects terminate each response with a line ending, JSON dialects emit
// one balanced object per response, and message-framed links (WebSocket)
// deliver one or more responses per transport message. The Reassembler hides
// those differences: every complete frame is produced exactly once, no matter
// how the transport split the bytes.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
)

// Mode selects how frame boundaries are detected
type Mode int

// Framing modes
const (
	// ModeLine frames end at '\n'; a trailing '\r' is stripped
	ModeLine Mode = iota
	// ModeJSON frames are balanced {...} objects; bytes between objects are ignored
	ModeJSON
	// ModeMessage treats every chunk as one transport message holding
	// newline separated frames
	ModeMessage
)

// DefaultMaxFrameSize bounds a single frame. GRBL status reports stay well
// under 256 bytes; JSON status reports from g2core can approach 1 KiB.
const DefaultMaxFrameSize = 1024

// ErrFrameTooLong is returned when a frame grows past the configured maximum.
// The oversized frame is discarded up to its terminator and decoding resumes
// with the next frame.
var ErrFrameTooLong = errors.New("frame too long")

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeLine:
		return "line"
	case ModeJSON:
		return "json"
	case ModeMessage:
		return "message"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Reassembler implements the frame reassembly state machine. It is not safe
// for concurrent use; the session's reader task owns it.
type Reassembler struct {
	mode    Mode
	maxSize int
	buffer  []byte

	// JSON object tracking
	depth      int
	inString   bool
	escapeNext bool

	// Set after an overflow until the end of the offending frame
	discarding bool
}

// New creates a reassembler. maxSize <= 0 selects DefaultMaxFrameSize.
func New(mode Mode, maxSize int) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reassembler{
		mode:    mode,
		maxSize: maxSize,
		buffer:  make([]byte, 0, 128),
	}
}

// Mode returns the framing mode
func (r *Reassembler) Mode() Mode {
	return r.mode
}

// SetMode switches the framing mode and drops any partial frame
func (r *Reassembler) SetMode(mode Mode) {
	r.mode = mode
	r.Reset()
}

// Reset discards any partially assembled frame
func (r *Reassembler) Reset() {
	r.buffer = r.buffer[:0]
	r.depth = 0
	r.inString = false
	r.escapeNext = false
	r.discarding = false
}

// Buffered returns the number of bytes held for an incomplete frame
func (r *Reassembler) Buffered() int {
	return len(r.buffer)
}

// DecodeByte processes a single byte through the state machine.
// Returns a completed frame, or nil if the frame is incomplete.
// Returns ErrFrameTooLong (wrapped) once per oversized frame.
// In ModeMessage bytes are handled as in ModeLine.
func (r *Reassembler) DecodeByte(b byte) ([]byte, error) {
	if r.mode == ModeJSON {
		return r.decodeJSONByte(b)
	}
	return r.decodeLineByte(b)
}

func (r *Reassembler) decodeLineByte(b byte) ([]byte, error) {
	if b == '\n' {
		if r.discarding {
			r.discarding = false
			r.buffer = r.buffer[:0]
			return nil, nil
		}
		line := bytes.TrimRight(r.buffer, "\r")
		r.buffer = r.buffer[:0]
		if len(bytes.TrimSpace(line)) == 0 {
			// Blank lines separate nothing
			return nil, nil
		}
		return clone(line), nil
	}

	if r.discarding {
		return nil, nil
	}

	if len(r.buffer) >= r.maxSize {
		size := len(r.buffer)
		r.buffer = r.buffer[:0]
		r.discarding = true
		return nil, fmt.Errorf("%w: more than %d bytes without terminator (buffered %d)", ErrFrameTooLong, r.maxSize, size)
	}

	r.buffer = append(r.buffer, b)
	return nil, nil
}

func (r *Reassembler) decodeJSONByte(b byte) ([]byte, error) {
	// Outside an object: wait for the opening brace
	if r.depth == 0 {
		if b != '{' {
			return nil, nil
		}
		r.depth = 1
		r.inString = false
		r.escapeNext = false
		r.discarding = false
		r.buffer = append(r.buffer[:0], b)
		return nil, nil
	}

	var overflow error
	if !r.discarding {
		if len(r.buffer) >= r.maxSize {
			size := len(r.buffer)
			r.buffer = r.buffer[:0]
			r.discarding = true
			overflow = fmt.Errorf("%w: JSON object exceeds %d bytes (buffered %d)", ErrFrameTooLong, r.maxSize, size)
		} else {
			r.buffer = append(r.buffer, b)
		}
	}

	// Track strings so braces inside values do not count
	switch {
	case r.escapeNext:
		r.escapeNext = false
	case r.inString:
		switch b {
		case '\\':
			r.escapeNext = true
		case '"':
			r.inString = false
		}
	case b == '"':
		r.inString = true
	case b == '{':
		r.depth++
	case b == '}':
		r.depth--
	}

	if r.depth > 0 || overflow != nil {
		return nil, overflow
	}

	// Object closed
	if r.discarding {
		r.discarding = false
		r.buffer = r.buffer[:0]
		return nil, nil
	}
	obj := clone(r.buffer)
	r.buffer = r.buffer[:0]
	return obj, nil
}

// Frames feeds a chunk and lazily yields every frame it completes, in order.
// A decode error is yielded with a nil frame; decoding continues afterwards.
// In ModeMessage the chunk must be one whole transport message: any bytes
// left after its last terminator form the final frame of the message.
func (r *Reassembler) Frames(chunk []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, b := range chunk {
			f, err := r.DecodeByte(b)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if f != nil && !yield(f, nil) {
				return
			}
		}

		if r.mode != ModeMessage {
			return
		}

		// Message boundary terminates the last frame
		if r.discarding {
			r.discarding = false
			r.buffer = r.buffer[:0]
			return
		}
		rest := bytes.TrimSpace(r.buffer)
		r.buffer = r.buffer[:0]
		if len(rest) > 0 {
			yield(clone(rest), nil)
		}
	}
}

// Feed is a convenience wrapper around Frames that collects all frames and
// decode errors from one chunk
func (r *Reassembler) Feed(chunk []byte) (frames [][]byte, errs []error) {
	for f, err := range r.Frames(chunk) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}
	return frames, errs
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
