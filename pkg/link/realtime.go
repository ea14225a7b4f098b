// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"
	"sync"

	"github.com/Thermoquad/graver/pkg/capture"
	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/transport"
)

// Recorder receives every chunk crossing the link
type Recorder interface {
	Record(dir capture.Direction, data []byte) error
}

// writer serializes every write to the connection. Commands and realtime
// bytes share one short lock held only for the duration of a single write,
// so a realtime byte waits at most for one command line.
type writer struct {
	mu       sync.Mutex
	conn     transport.Connection
	stats    *statsTracker
	recorder Recorder
	onError  func(error)
}

func (w *writer) write(dir capture.Direction, p []byte) error {
	w.mu.Lock()
	_, err := w.conn.Write(p)
	w.mu.Unlock()

	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	w.stats.update(func(s *Statistics) {
		s.BytesSent += uint64(len(p))
		if dir == capture.Realtime {
			s.RealtimeSent++
		} else {
			s.CommandsSent++
		}
	})
	if w.recorder != nil {
		_ = w.recorder.Record(dir, p)
	}
	return nil
}

// WriteCommand implements stream.Transport
func (w *writer) WriteCommand(wire []byte) error {
	return w.write(capture.Tx, wire)
}

// SendRealtime implements stream.Transport
func (w *writer) SendRealtime(b byte) error {
	err := w.write(capture.Realtime, []byte{b})
	if err != nil && w.onError != nil {
		w.onError(err)
	}
	return err
}

// RealtimeChannel sends single out-of-band bytes that the controller acts
// on immediately, bypassing the command queue and its buffer accounting
type RealtimeChannel struct {
	w       *writer
	profile func() firmware.Profile
}

// Send writes one raw realtime byte
func (r *RealtimeChannel) Send(b byte) error {
	return r.w.SendRealtime(b)
}

// SendKind maps a realtime action to the active dialect's byte and sends it
func (r *RealtimeChannel) SendKind(kind firmware.RealtimeKind) error {
	p := r.profile()
	b, ok := p.RealtimeByte(kind)
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrUnsupported)
	}
	return r.w.SendRealtime(b)
}
