// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a command
type State int

// Command states
const (
	StatePending State = iota
	StateSent
	StateAcknowledged
	StateErrored
	StateSkipped
	StateDone
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateAcknowledged:
		return "acknowledged"
	case StateErrored:
		return "errored"
	case StateSkipped:
		return "skipped"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Final returns true once a command can no longer change
func (s State) Final() bool {
	return s == StateErrored || s == StateSkipped || s == StateDone
}

// Command is one queued line. It is owned by the engine from Enqueue until it
// reaches a final state; callers only ever see its Result.
type Command struct {
	ID   uuid.UUID
	Seq  uint32
	Text string
	Wire []byte // formatted bytes including the terminator
	Cost int    // credit charged while in flight

	State State
	Code  int

	QueuedAt    time.Time
	SentAt      time.Time
	CompletedAt time.Time

	unlocking bool // may be sent while the queue is frozen by an alarm
	handle    *Handle
}

func (c *Command) result(err error) Result {
	return Result{
		ID:          c.ID,
		Seq:         c.Seq,
		Text:        c.Text,
		State:       c.State,
		Code:        c.Code,
		Err:         err,
		QueuedAt:    c.QueuedAt,
		SentAt:      c.SentAt,
		CompletedAt: c.CompletedAt,
	}
}

// Result is the outcome of a command
type Result struct {
	ID    uuid.UUID
	Seq   uint32
	Text  string
	State State // StateDone, StateErrored or StateSkipped
	Code  int   // controller error code when Errored
	Err   error // nil when Done

	QueuedAt    time.Time
	SentAt      time.Time // zero if the command was never sent
	CompletedAt time.Time
}

// OK returns true if the controller accepted the command
func (r Result) OK() bool {
	return r.State == StateDone && r.Err == nil
}

// Latency returns the time between send and completion
func (r Result) Latency() time.Duration {
	if r.SentAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.SentAt)
}

// Handle is the caller's view of an enqueued command. It resolves exactly
// once; later resolution attempts are ignored.
type Handle struct {
	id   uuid.UUID
	seq  uint32
	text string

	once   sync.Once
	done   chan struct{}
	result Result
}

func newHandle(cmd *Command) *Handle {
	return &Handle{
		id:   cmd.ID,
		seq:  cmd.Seq,
		text: cmd.Text,
		done: make(chan struct{}),
	}
}

// ID returns the command identifier
func (h *Handle) ID() uuid.UUID { return h.id }

// Seq returns the engine sequence number
func (h *Handle) Seq() uint32 { return h.seq }

// Text returns the command text
func (h *Handle) Text() string { return h.text }

// Done is closed when the command reaches a final state
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome, or false while the command is still running
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the command resolves or ctx ends
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// resolve records the outcome. Returns false if already resolved.
func (h *Handle) resolve(r Result) bool {
	resolved := false
	h.once.Do(func() {
		h.result = r
		close(h.done)
		resolved = true
	})
	return resolved
}
