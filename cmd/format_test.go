// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/graver/pkg/events"
	"github.com/Thermoquad/graver/pkg/machine"
	"github.com/Thermoquad/graver/pkg/stream"
)

func TestFormatRealtime(t *testing.T) {
	assert.Equal(t, "reset (0x18)", formatRealtime([]byte{0x18}))
	assert.Equal(t, "feed+10 (0x91)", formatRealtime([]byte{0x91}))
	assert.Equal(t, "status (0x3F)", formatRealtime([]byte{'?'}))
	assert.Equal(t, "0x42", formatRealtime([]byte{0x42}))
	assert.Equal(t, "01 02", formatRealtime([]byte{0x01, 0x02}))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00:00", formatDuration(0))
	assert.Equal(t, "01:02:05", formatDuration(time.Hour+2*time.Minute+5*time.Second))
	assert.Equal(t, "00:00:02", formatDuration(1600*time.Millisecond))
}

func TestDescribeResult(t *testing.T) {
	r := stream.Result{State: stream.StateErrored, Err: &stream.CommandError{Code: 20}}
	desc := describeResult(r)
	assert.Contains(t, desc, "error:20")
	assert.Contains(t, desc, "Unsupported or invalid g-code")

	r = stream.Result{State: stream.StateSkipped, Err: stream.ErrCancelled}
	assert.Equal(t, "command cancelled", describeResult(r))

	r = stream.Result{State: stream.StateSkipped}
	assert.Equal(t, stream.StateSkipped.String(), describeResult(r))
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	line := formatEvent(at, events.Alarm{Code: 1, Message: "Hard limit"})
	assert.Contains(t, line, "03:04:05.006")
	assert.Contains(t, line, "ALARM:1 Hard limit")

	line = formatEvent(at, events.StateChanged{From: machine.StateIdle, To: machine.StateRun})
	assert.Contains(t, line, "state Idle -> Run")
}

func TestEventLog(t *testing.T) {
	l := newEventLog(3)
	for i := 0; i < 5; i++ {
		l.add("entry", false)
	}
	assert.Len(t, l.entries, 3)

	l = newEventLog(10)
	l.addEvent(events.StatusUpdated{Status: machine.Status{State: machine.StateIdle}})
	assert.Empty(t, l.entries, "status reports are not logged")

	l.addEvent(events.CommandCompleted{Result: stream.Result{Seq: 1, Text: "G0 X1", State: stream.StateErrored, Err: &stream.CommandError{Code: 22}}})
	l.addEvent(events.Feedback{Tag: "MSG", Message: "Caution: Unlocked"})
	require.Len(t, l.entries, 2)
	assert.True(t, l.entries[0].isError)
	assert.False(t, l.entries[1].isError)
	assert.Contains(t, l.render(5, 80), "Caution: Unlocked")
}

func TestConsoleHistoryFollowsResults(t *testing.T) {
	m := initialConsoleModel(&connectionManager{})
	ok := uuid.New()
	bad := uuid.New()
	m.items = []historyItem{
		{id: bad, text: "G1 X1", state: stream.StateSent},
		{id: ok, text: "G0 X1", state: stream.StateSent},
	}
	m.updateHistory()

	sent := time.Now()
	m.processEvent(events.CommandCompleted{Result: stream.Result{
		ID: ok, Text: "G0 X1", State: stream.StateDone,
		SentAt: sent, CompletedAt: sent.Add(12 * time.Millisecond),
	}})
	assert.Equal(t, stream.StateDone, m.items[1].state)
	assert.Contains(t, m.items[1].detail, "ok in")
	assert.Empty(t, m.lastError)
	assert.Empty(t, m.log.entries, "successful commands only update history")

	m.processEvent(events.CommandCompleted{Result: stream.Result{
		ID: bad, Text: "G1 X1", State: stream.StateErrored, Err: &stream.CommandError{Code: 22},
	}})
	assert.Equal(t, stream.StateErrored, m.items[0].state)
	assert.Contains(t, m.items[0].detail, "error:22")
	assert.Contains(t, m.lastError, "Feed rate has not yet been set")
	require.Len(t, m.log.entries, 1)
	assert.True(t, m.log.entries[0].isError)
}

func TestConsoleRequiresConnection(t *testing.T) {
	m := initialConsoleModel(&connectionManager{})
	m.submit("G0 X1")
	m.submit("?")

	require.Len(t, m.log.entries, 2)
	for _, e := range m.log.entries {
		assert.Contains(t, e.message, "not connected")
	}
	assert.Empty(t, m.items)
}
