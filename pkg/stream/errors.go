// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled resolves commands dropped by Cancel
	ErrCancelled = errors.New("command cancelled")
	// ErrClosed is returned once the engine has been closed
	ErrClosed = errors.New("stream engine closed")
	// ErrEmptyCommand is returned when enqueueing a blank line
	ErrEmptyCommand = errors.New("empty command")
	// ErrMultiLine is returned when a command holds a line break. The
	// controller would acknowledge each line separately.
	ErrMultiLine = errors.New("command spans multiple lines")
	// ErrControllerReset resolves commands lost to a controller reset
	ErrControllerReset = errors.New("controller reset")
)

// CommandError is a controller rejection of a single command
type CommandError struct {
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("error:%d", e.Code)
	}
	return fmt.Sprintf("error:%d: %s", e.Code, e.Message)
}

// AlarmError resolves commands that were in flight when the controller
// raised an alarm
type AlarmError struct {
	Code    int
	Message string
}

func (e *AlarmError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ALARM:%d", e.Code)
	}
	return fmt.Sprintf("ALARM:%d: %s", e.Code, e.Message)
}

// CommandTooLongError is returned when a command can never fit the
// controller receive buffer
type CommandTooLongError struct {
	Cost     int
	Capacity int
}

func (e *CommandTooLongError) Error() string {
	return fmt.Sprintf("command needs %d of credit, buffer holds %d", e.Cost, e.Capacity)
}

// InvariantViolation reports credit accounting that no longer matches the
// commands in flight. It panics only with WithStrictInvariants.
type InvariantViolation struct {
	InFlight int // credit charged by sent commands
	Credit   int // remaining credit
	Capacity int
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("credit invariant violated: in flight %d + credit %d != capacity %d",
		e.InFlight, e.Credit, e.Capacity)
}
