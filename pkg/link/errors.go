// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations on a session whose link is
	// down or which has not finished starting up
	ErrNotConnected = errors.New("controller not connected")
	// ErrUnsupported is returned for operations the firmware cannot do
	ErrUnsupported = errors.New("not supported by this firmware")
	// ErrSessionClosed is returned after Close
	ErrSessionClosed = errors.New("session closed")
)

// TransportError wraps a read or write failure on the link
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
