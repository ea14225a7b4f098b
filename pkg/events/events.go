// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package events fans controller events out to listeners.
//
// Every subscriber gets its own mailbox and delivery goroutine, so Publish
// never blocks and a slow listener only delays itself.
package events

import (
	"fmt"

	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/machine"
	"github.com/Thermoquad/graver/pkg/stream"
)

// Event is one of the types below
type Event interface {
	event()
}

// StatusUpdated carries a new status snapshot
type StatusUpdated struct {
	Status machine.Status
}

// CommandCompleted reports a command reaching a final state
type CommandCompleted struct {
	Result stream.Result
}

// Alarm reports a controller alarm
type Alarm struct {
	Code    int
	Message string
}

// StateChanged reports a controller state transition
type StateChanged struct {
	From machine.State
	To   machine.State
}

// ConnectionLost reports the end of a link
type ConnectionLost struct {
	Err error
}

// ConnectionEstablished reports a controller that finished starting up
type ConnectionEstablished struct {
	Firmware firmware.Kind
	Version  string
}

// ProtocolError reports a frame that could not be decoded
type ProtocolError struct {
	Frame  string
	Reason string
}

// Feedback carries informational controller output ([MSG:...], settings)
type Feedback struct {
	Tag     string
	Message string
}

func (StatusUpdated) event()         {}
func (CommandCompleted) event()      {}
func (Alarm) event()                 {}
func (StateChanged) event()          {}
func (ConnectionLost) event()        {}
func (ConnectionEstablished) event() {}
func (ProtocolError) event()         {}
func (Feedback) event()              {}

// Describe returns a one-line rendering of an event
func Describe(ev Event) string {
	switch e := ev.(type) {
	case StatusUpdated:
		return fmt.Sprintf("status %s MPos %s WPos %s F%.0f S%.0f",
			e.Status.State, e.Status.MPos, e.Status.WPos, e.Status.Feed, e.Status.Spindle)
	case CommandCompleted:
		if e.Result.Err != nil {
			return fmt.Sprintf("command #%d %q %s: %v", e.Result.Seq, e.Result.Text, e.Result.State, e.Result.Err)
		}
		return fmt.Sprintf("command #%d %q %s", e.Result.Seq, e.Result.Text, e.Result.State)
	case Alarm:
		return fmt.Sprintf("ALARM:%d %s", e.Code, e.Message)
	case StateChanged:
		return fmt.Sprintf("state %s -> %s", e.From, e.To)
	case ConnectionLost:
		return fmt.Sprintf("connection lost: %v", e.Err)
	case ConnectionEstablished:
		return fmt.Sprintf("connected to %s %s", e.Firmware, e.Version)
	case ProtocolError:
		return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Frame)
	case Feedback:
		if e.Tag == "" {
			return e.Message
		}
		return fmt.Sprintf("[%s] %s", e.Tag, e.Message)
	}
	return fmt.Sprintf("%T", ev)
}
