// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records and replays the raw bytes of a controller session.
//
// A capture file is a CBOR sequence: one Header followed by Records, each
// holding a timestamp, a direction and the bytes exactly as they crossed the
// link.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Magic identifies capture files
const Magic = "graver-capture"

// FormatVersion is the current file format
const FormatVersion = 1

// Direction tells which way a record's bytes travelled
type Direction uint8

const (
	// Rx is controller output
	Rx Direction = iota
	// Tx is a command written by the host
	Tx
	// Realtime is a single out-of-band byte written by the host
	Realtime
)

// String returns a short direction tag
func (d Direction) String() string {
	switch d {
	case Rx:
		return "rx"
	case Tx:
		return "tx"
	case Realtime:
		return "rt"
	default:
		return fmt.Sprintf("dir(%d)", uint8(d))
	}
}

// Header starts every capture
type Header struct {
	Magic    string `cbor:"magic"`
	Version  int    `cbor:"v"`
	Firmware string `cbor:"fw,omitempty"`
	Source   string `cbor:"src,omitempty"`
	Started  int64  `cbor:"t"`
}

// Record is one chunk of bytes
type Record struct {
	Time int64     `cbor:"t"` // unix nanoseconds
	Dir  Direction `cbor:"d"`
	Data []byte    `cbor:"b"`
}

// At returns the record time
func (r Record) At() time.Time {
	return time.Unix(0, r.Time)
}

// ErrNotCapture is returned when a file does not start with a capture header
var ErrNotCapture = errors.New("not a graver capture")

// Recorder appends records to a writer. It is safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	now func() time.Time
	n   int
	err error
}

// NewRecorder writes the header and returns a recorder
func NewRecorder(w io.Writer, firmware, source string) (*Recorder, error) {
	r := &Recorder{
		enc: cbor.NewEncoder(w),
		now: time.Now,
	}
	h := Header{
		Magic:    Magic,
		Version:  FormatVersion,
		Firmware: firmware,
		Source:   source,
		Started:  r.now().UnixNano(),
	}
	if err := r.enc.Encode(h); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return r, nil
}

// Record appends one chunk. After the first write error every call returns
// that error.
func (r *Recorder) Record(dir Direction, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	rec := Record{Time: r.now().UnixNano(), Dir: dir, Data: data}
	if err := r.enc.Encode(rec); err != nil {
		r.err = fmt.Errorf("failed to write capture record: %w", err)
		return r.err
	}
	r.n++
	return nil
}

// Count returns the number of records written
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Reader decodes a capture
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and checks the header
func NewReader(src io.Reader) (*Reader, error) {
	r := &Reader{dec: cbor.NewDecoder(src)}
	if err := r.dec.Decode(&r.header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNotCapture
		}
		return nil, fmt.Errorf("%w: %v", ErrNotCapture, err)
	}
	if r.header.Magic != Magic {
		return nil, ErrNotCapture
	}
	if r.header.Version > FormatVersion {
		return nil, fmt.Errorf("capture format version %d is newer than supported version %d", r.header.Version, FormatVersion)
	}
	return r, nil
}

// Header returns the capture header
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF at the end of the capture. A
// capture cut short mid-record returns io.ErrUnexpectedEOF.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to decode capture record: %w", err)
	}
	return rec, nil
}
