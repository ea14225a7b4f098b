// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"fmt"

	"github.com/Thermoquad/graver/pkg/machine"
)

// ResponseKind tags a decoded response
type ResponseKind int

// Response kinds
const (
	ResponseOk          ResponseKind = iota // command accepted
	ResponseError                           // command rejected, Code set
	ResponseAlarm                           // controller locked, Code set
	ResponseStatus                          // status report, Status set
	ResponseWelcome                         // startup banner, controller was reset
	ResponseFeedback                        // bracketed [TAG:...] message
	ResponseSetting                         // $n=value
	ResponseQueueReport                     // planner queue depth
	ResponseInfo                            // anything else the controller prints
)

// String returns the kind name
func (k ResponseKind) String() string {
	switch k {
	case ResponseOk:
		return "ok"
	case ResponseError:
		return "error"
	case ResponseAlarm:
		return "alarm"
	case ResponseStatus:
		return "status"
	case ResponseWelcome:
		return "welcome"
	case ResponseFeedback:
		return "feedback"
	case ResponseSetting:
		return "setting"
	case ResponseQueueReport:
		return "queue"
	case ResponseInfo:
		return "info"
	}
	return fmt.Sprintf("ResponseKind(%d)", int(k))
}

// Response is one decoded frame
type Response struct {
	Kind ResponseKind
	Raw  string

	Code    int    // error or alarm code
	Message string // human readable text for errors, alarms and feedback
	Tag     string // feedback tag: MSG, GC, PRB, VER, OPT, ...

	// Correlation sequence number carried by JSON acknowledgements
	ID    uint32
	HasID bool

	// Status is set for status reports and for acknowledgements that embed one
	Status *machine.Status

	// Planner queue free slots
	QueueFree int
	HasQueue  bool

	Version string // firmware version from a welcome banner

	Key   string // setting key, e.g. "$110"
	Value string
}

// IsAck returns true for responses that complete a sent command
func (r Response) IsAck() bool {
	return r.Kind == ResponseOk || r.Kind == ResponseError
}

// String returns a short human readable rendering
func (r Response) String() string {
	switch r.Kind {
	case ResponseOk:
		if r.HasID {
			return fmt.Sprintf("ok n=%d", r.ID)
		}
		return "ok"
	case ResponseError:
		return fmt.Sprintf("error %d: %s", r.Code, r.Message)
	case ResponseAlarm:
		return fmt.Sprintf("ALARM %d: %s", r.Code, r.Message)
	case ResponseStatus:
		if r.Status == nil {
			return "status"
		}
		return fmt.Sprintf("<%s MPos %s WPos %s>", r.Status.State, r.Status.MPos, r.Status.WPos)
	case ResponseWelcome:
		return "welcome " + r.Version
	case ResponseFeedback:
		return fmt.Sprintf("[%s] %s", r.Tag, r.Message)
	case ResponseSetting:
		return r.Key + "=" + r.Value
	case ResponseQueueReport:
		return fmt.Sprintf("queue free=%d", r.QueueFree)
	}
	return r.Raw
}

// ProtocolError reports a frame the parser could not make sense of. It is
// never fatal: the frame is logged and dropped.
type ProtocolError struct {
	Frame  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Frame)
}

func protocolError(f string, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Frame: f, Reason: fmt.Sprintf(format, args...)}
}
