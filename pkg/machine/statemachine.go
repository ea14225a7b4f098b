// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package machine

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/graver/internal/logging"
)

// transition is one row of the state table
type transition struct {
	from    State
	trigger Trigger
}

// transitions mirrors GRBL semantics. ConnectionLost is handled separately:
// it is legal from every state.
var transitions = map[transition]State{
	{StateDisconnected, TriggerOpen}: StateConnecting,

	{StateConnecting, TriggerInitOK}: StateIdle,
	{StateConnecting, TriggerAlarm}:  StateAlarm,
	{StateConnecting, TriggerReset}:  StateConnecting,

	{StateIdle, TriggerStreamStart}: StateRun,
	{StateIdle, TriggerHold}:        StateHold,
	{StateIdle, TriggerJog}:         StateJog,
	{StateIdle, TriggerHome}:        StateHome,
	{StateIdle, TriggerAlarm}:       StateAlarm,
	{StateIdle, TriggerReset}:       StateIdle,

	{StateRun, TriggerStreamDone}: StateIdle,
	{StateRun, TriggerHold}:       StateHold,
	{StateRun, TriggerAlarm}:      StateAlarm,
	{StateRun, TriggerReset}:      StateIdle,

	{StateHold, TriggerResume}: StateRun,
	{StateHold, TriggerAlarm}:  StateAlarm,
	{StateHold, TriggerReset}:  StateIdle,

	{StateJog, TriggerJogDone}: StateIdle,
	{StateJog, TriggerHold}:    StateIdle, // feed hold cancels a jog
	{StateJog, TriggerAlarm}:   StateAlarm,
	{StateJog, TriggerReset}:   StateIdle,

	{StateHome, TriggerHomeDone}: StateIdle,
	{StateHome, TriggerAlarm}:    StateAlarm,
	{StateHome, TriggerReset}:    StateAlarm, // reset during homing is ALARM:6

	// Reset keeps an alarm; only unlock or a successful homing cycle clear it
	{StateAlarm, TriggerUnlock}: StateIdle,
	{StateAlarm, TriggerHome}:   StateHome,
	{StateAlarm, TriggerReset}:  StateAlarm,
	{StateAlarm, TriggerAlarm}:  StateAlarm,

	{StateCheck, TriggerAlarm}: StateAlarm,
	{StateCheck, TriggerReset}: StateIdle,

	{StateDoor, TriggerResume}: StateRun,
	{StateDoor, TriggerAlarm}:  StateAlarm,
	{StateDoor, TriggerReset}:  StateIdle,

	{StateSleep, TriggerReset}: StateIdle,
}

// ChangeFunc is called after every state change. Calls are serialized in
// the order the changes happened; it must not call Fire or Observe.
type ChangeFunc func(from, to State)

// StateMachine owns the controller state
type StateMachine struct {
	// notifyMu orders change callbacks; mu guards state
	notifyMu sync.Mutex
	mu       sync.Mutex
	state    State
	logger   logrus.FieldLogger
	onChange ChangeFunc
}

// Option configures a StateMachine
type Option func(*StateMachine)

// WithLogger sets the logger used for rejected transitions
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *StateMachine) {
		m.logger = logger
	}
}

// WithChangeFunc registers the state change callback
func WithChangeFunc(fn ChangeFunc) Option {
	return func(m *StateMachine) {
		m.onChange = fn
	}
}

// NewStateMachine creates a state machine in StateDisconnected
func NewStateMachine(opts ...Option) *StateMachine {
	m := &StateMachine{
		state:  StateDisconnected,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether trigger is legal in the current state
func (m *StateMachine) Can(trigger Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.next(trigger)
	return ok
}

func (m *StateMachine) next(trigger Trigger) (State, bool) {
	if trigger == TriggerConnectionLost {
		return StateDisconnected, true
	}
	to, ok := transitions[transition{m.state, trigger}]
	return to, ok
}

// Fire applies a trigger. Invalid transitions are logged and ignored.
// Returns the resulting state and whether the trigger was accepted.
func (m *StateMachine) Fire(trigger Trigger) (State, bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.state
	to, ok := m.next(trigger)
	if !ok {
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"state":   from,
			"trigger": trigger,
		}).Debug("Ignoring invalid state transition")
		return from, false
	}
	m.state = to
	m.mu.Unlock()

	if from != to && m.onChange != nil {
		m.onChange(from, to)
	}
	return to, true
}

// Observe synchronizes with a state reported by the controller. The report
// is authoritative once the link is up; while disconnected it is ignored.
// A report received while connecting completes the connection handshake.
// Returns true if the state changed.
func (m *StateMachine) Observe(reported State) bool {
	if !reported.Connected() {
		return false
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.state
	if from == StateDisconnected {
		m.mu.Unlock()
		m.logger.WithField("reported", reported).Warn("Ignoring status report while disconnected")
		return false
	}
	if from == reported {
		m.mu.Unlock()
		return false
	}
	m.state = reported
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, reported)
	}
	return true
}
