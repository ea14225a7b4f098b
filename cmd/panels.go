// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/graver/pkg/events"
	"github.com/Thermoquad/graver/pkg/link"
	"github.com/Thermoquad/graver/pkg/machine"
)

// TUI styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// stateStyle colours a controller state the way operators expect
func stateStyle(s machine.State) lipgloss.Style {
	switch s {
	case machine.StateIdle:
		return valueStyle
	case machine.StateRun, machine.StateJog, machine.StateHome:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	case machine.StateHold, machine.StateDoor, machine.StateCheck:
		return warningStyle.Bold(true)
	case machine.StateAlarm:
		return errorStyle
	}
	return headerStyle
}

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// eventLog keeps the most recent entries
type eventLog struct {
	entries []logEntry
	max     int
}

func newEventLog(max int) *eventLog {
	return &eventLog{max: max}
}

func (l *eventLog) add(message string, isError bool) {
	l.entries = append(l.entries, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// addEvent logs an event unless it is routine chatter
func (l *eventLog) addEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.StatusUpdated:
		return
	case events.CommandCompleted:
		l.add(events.Describe(ev), !e.Result.OK())
	case events.Alarm, events.ConnectionLost, events.ProtocolError:
		l.add(events.Describe(ev), true)
	default:
		l.add(events.Describe(ev), false)
	}
}

// render shows the last height entries
func (l *eventLog) render(height, width int) string {
	var b strings.Builder
	start := max(len(l.entries)-height, 0)

	if len(l.entries) == 0 {
		b.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range l.entries[start:] {
		ts := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			fmt.Fprintf(&b, "%s %s\n", ts, errorStyle.Render("✗ "+entry.message))
		} else {
			fmt.Fprintf(&b, "%s %s\n", ts, warningStyle.Render("ℹ "+entry.message))
		}
	}
	return boxStyle.Width(max(width-4, 20)).Render(strings.TrimRight(b.String(), "\n"))
}

// renderStatus draws the machine status panel
func renderStatus(state machine.State, st machine.Status, ok bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s", labelStyle.Render("State:"), stateStyle(state).Render(state.String()))
	if ok && st.SubState != "" {
		b.WriteString(headerStyle.Render(" (" + st.SubState + ")"))
	}
	b.WriteString("\n")

	if !ok {
		b.WriteString(headerStyle.Render("Waiting for status report..."))
		return boxStyle.Render(b.String())
	}

	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("MPos: "), valueStyle.Render(st.MPos.String()))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("WPos: "), valueStyle.Render(st.WPos.String()))
	fmt.Fprintf(&b, "%s %s   %s %s",
		labelStyle.Render("Feed:"), valueStyle.Render(fmt.Sprintf("%.0f", st.Feed)),
		labelStyle.Render("Spindle:"), valueStyle.Render(fmt.Sprintf("%.0f", st.Spindle)),
	)
	if st.HasBuffer {
		fmt.Fprintf(&b, "   %s %s",
			labelStyle.Render("Buffer:"), valueStyle.Render(fmt.Sprintf("%d blocks / %d bytes free", st.PlannerFree, st.RxFree)))
	}
	if ov := st.Overrides; ov.Feed != 0 || ov.Rapid != 0 || ov.Spindle != 0 {
		fmt.Fprintf(&b, "\n%s %s", labelStyle.Render("Overrides:"),
			valueStyle.Render(fmt.Sprintf("feed %.0f%%  rapid %.0f%%  spindle %.0f%%", ov.Feed, ov.Rapid, ov.Spindle)))
	}
	if st.Pins != "" {
		fmt.Fprintf(&b, "\n%s %s", labelStyle.Render("Pins:"), warningStyle.Render(st.Pins))
	}
	return boxStyle.Render(b.String())
}

// renderStats draws the link statistics panel
func renderStats(stats link.Statistics, elapsed time.Duration) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
		labelStyle.Render("Uptime:"), valueStyle.Render(formatDuration(elapsed)),
		labelStyle.Render("Frames:"), valueStyle.Render(fmt.Sprintf("%d", stats.FramesReceived)),
		labelStyle.Render("Status:"), valueStyle.Render(fmt.Sprintf("%d", stats.StatusReports)),
	)
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
		labelStyle.Render("Sent:"), valueStyle.Render(fmt.Sprintf("%d", stats.CommandsSent)),
		labelStyle.Render("Done:"), valueStyle.Render(fmt.Sprintf("%d", stats.CommandsCompleted)),
		labelStyle.Render("Errors:"), countStyle(stats.CommandErrors).Render(fmt.Sprintf("%d", stats.CommandErrors)),
	)
	if stats.Alarms > 0 || stats.ProtocolErrors > 0 || stats.FrameErrors > 0 {
		fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
			labelStyle.Render("Alarms:"), countStyle(stats.Alarms).Render(fmt.Sprintf("%d", stats.Alarms)),
			labelStyle.Render("Protocol:"), countStyle(stats.ProtocolErrors).Render(fmt.Sprintf("%d", stats.ProtocolErrors)),
			labelStyle.Render("Oversized:"), countStyle(stats.FrameErrors).Render(fmt.Sprintf("%d", stats.FrameErrors)),
		)
	}
	fmt.Fprintf(&b, "%s %s   %s %s",
		labelStyle.Render("Frame Rate:"), valueStyle.Render(fmt.Sprintf("%.1f frames/s", stats.FrameRate)),
		labelStyle.Render("Error Rate:"), func() string {
			if stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate))
			}
			return valueStyle.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate))
		}(),
	)
	return boxStyle.Render(b.String())
}

func countStyle(n uint64) lipgloss.Style {
	if n > 0 {
		return errorStyle
	}
	return valueStyle
}
