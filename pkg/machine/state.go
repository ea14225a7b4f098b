// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package machine tracks the operational state of a motion controller.
//
// The StateMachine is the only writer of the controller state. It changes
// state in response to triggers (host actions and controller events) and to
// states observed in status reports, and ignores transitions the controller
// could not make.
package machine

import (
	"fmt"
	"strings"
)

// State represents the controller's operational state
type State int

// Controller states
const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StateRun
	StateHold
	StateJog
	StateHome
	StateAlarm
	StateCheck
	StateDoor
	StateSleep
)

var stateNames = []string{
	"Disconnected",
	"Connecting",
	"Idle",
	"Run",
	"Hold",
	"Jog",
	"Home",
	"Alarm",
	"Check",
	"Door",
	"Sleep",
}

// String returns the state name as GRBL reports it
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Connected returns true for every state reachable only with a live link
func (s State) Connected() bool {
	return s != StateDisconnected && s != StateConnecting
}

// ParseState maps a reported state name to a State.
// Sub-states ("Hold:0", "Door:1") map to their parent state.
func ParseState(name string) (State, error) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return StateDisconnected, fmt.Errorf("unknown controller state %q", name)
}

// Trigger is an event that may move the state machine
type Trigger int

// Triggers
const (
	TriggerOpen Trigger = iota
	TriggerInitOK
	TriggerStreamStart
	TriggerStreamDone
	TriggerHold
	TriggerResume
	TriggerAlarm
	TriggerUnlock
	TriggerJog
	TriggerJogDone
	TriggerHome
	TriggerHomeDone
	TriggerReset
	TriggerConnectionLost
)

var triggerNames = []string{
	"open",
	"init_ok",
	"stream_start",
	"stream_done",
	"hold",
	"resume",
	"alarm_event",
	"unlock",
	"jog",
	"jog_done",
	"home",
	"home_done",
	"reset",
	"connection_lost",
}

// String returns the trigger name
func (t Trigger) String() string {
	if t < 0 || int(t) >= len(triggerNames) {
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
	return triggerNames[t]
}
