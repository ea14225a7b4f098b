// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/frame"
	"github.com/Thermoquad/graver/pkg/stream"
)

// Statistics tracks link traffic and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Traffic
	BytesReceived  uint64
	BytesSent      uint64
	FramesReceived uint64
	CommandsSent   uint64
	RealtimeSent   uint64
	StatusReports  uint64

	// Outcomes
	CommandsCompleted uint64
	CommandErrors     uint64
	CommandsSkipped   uint64
	Alarms            uint64

	// Decode failures
	ProtocolErrors uint64
	FrameErrors    uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// UpdateFrame counts one decoded frame or decode failure
func (s *Statistics) UpdateFrame(resp firmware.Response, err error) {
	s.LastUpdateTime = time.Now()

	if err != nil {
		var perr *firmware.ProtocolError
		switch {
		case errors.Is(err, frame.ErrFrameTooLong):
			s.FrameErrors++
		case errors.As(err, &perr):
			s.FramesReceived++
			s.ProtocolErrors++
		default:
			s.ProtocolErrors++
		}
		return
	}

	s.FramesReceived++
	switch resp.Kind {
	case firmware.ResponseStatus:
		s.StatusReports++
	case firmware.ResponseAlarm:
		s.Alarms++
	}
}

// UpdateResult counts a resolved command
func (s *Statistics) UpdateResult(r stream.Result) {
	s.LastUpdateTime = time.Now()
	switch r.State {
	case stream.StateDone:
		s.CommandsCompleted++
	case stream.StateErrored:
		s.CommandErrors++
	case stream.StateSkipped:
		s.CommandsSkipped++
	}
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesReceived) / elapsed
		errorCount := s.ProtocolErrors + s.FrameErrors + s.CommandErrors
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var protocolPercent float64
	if s.FramesReceived > 0 {
		protocolPercent = float64(s.ProtocolErrors) * 100.0 / float64(s.FramesReceived)
	}

	elapsed := time.Since(s.StartTime)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&b, "Bytes In/Out:    %8d / %d\n", s.BytesReceived, s.BytesSent)
	fmt.Fprintf(&b, "Frames:          %8d\n", s.FramesReceived)
	fmt.Fprintf(&b, "Status Reports:  %8d\n", s.StatusReports)
	fmt.Fprintf(&b, "Commands Sent:   %8d\n", s.CommandsSent)
	fmt.Fprintf(&b, "  Completed:        %5d\n", s.CommandsCompleted)

	if s.CommandErrors > 0 {
		fmt.Fprintf(&b, "  Errors:           %5d\n", s.CommandErrors)
	}
	if s.CommandsSkipped > 0 {
		fmt.Fprintf(&b, "  Skipped:          %5d\n", s.CommandsSkipped)
	}
	if s.RealtimeSent > 0 {
		fmt.Fprintf(&b, "Realtime Bytes:  %8d\n", s.RealtimeSent)
	}
	if s.Alarms > 0 {
		fmt.Fprintf(&b, "Alarms:          %8d\n", s.Alarms)
	}
	if s.ProtocolErrors > 0 {
		fmt.Fprintf(&b, "Protocol Errors: %8d (%.1f%%)\n", s.ProtocolErrors, protocolPercent)
	}
	if s.FrameErrors > 0 {
		fmt.Fprintf(&b, "Oversized Frames:%8d\n", s.FrameErrors)
	}

	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")

	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}

// statsTracker guards a Statistics shared by the reader task, the sender
// and API callers
type statsTracker struct {
	mu sync.Mutex
	s  *Statistics
}

func newStatsTracker() *statsTracker {
	return &statsTracker{s: NewStatistics()}
}

func (t *statsTracker) update(fn func(*Statistics)) {
	t.mu.Lock()
	fn(t.s)
	t.mu.Unlock()
}

// snapshot returns a copy with rates filled in
func (t *statsTracker) snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.CalculateRates()
	return *t.s
}
