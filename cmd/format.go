// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/graver/pkg/capture"
	"github.com/Thermoquad/graver/pkg/firmware"
)

// Text mode styles
var (
	timeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	txStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	plainStyle = lipgloss.NewStyle()
)

// formatDecoded renders one replay or monitor step as a line
func formatDecoded(d capture.Decoded, raw bool) string {
	ts := timeStyle.Render(d.Time.Format("15:04:05.000"))

	switch d.Dir {
	case capture.Tx:
		return fmt.Sprintf("[%s] %s %s\n", ts, txStyle.Render(">>"), strconv.Quote(string(d.Frame)))
	case capture.Realtime:
		return fmt.Sprintf("[%s] %s %s\n", ts, txStyle.Render(">!"), formatRealtime(d.Frame))
	}

	if d.Err != nil {
		return fmt.Sprintf("[%s] %s %v\n", ts, errStyle.Render("ERROR"), d.Err)
	}
	if raw {
		return fmt.Sprintf("[%s] << %s\n", ts, strconv.Quote(string(d.Frame)))
	}
	return fmt.Sprintf("[%s] << %s\n", ts, formatResponse(d.Response))
}

// formatResponse styles a response by kind
func formatResponse(r firmware.Response) string {
	style := plainStyle
	text := r.String()

	switch r.Kind {
	case firmware.ResponseOk:
		style = okStyle
	case firmware.ResponseError:
		style = errStyle
		if r.Message == "" {
			text = fmt.Sprintf("error %d: %s", r.Code, firmware.DescribeError(r.Code))
		}
	case firmware.ResponseAlarm:
		style = errStyle
		if r.Message == "" {
			text = fmt.Sprintf("ALARM %d: %s", r.Code, firmware.DescribeAlarm(r.Code))
		}
	case firmware.ResponseFeedback, firmware.ResponseWelcome:
		style = warnStyle
	}
	return style.Render(text)
}

// formatRealtime names realtime bytes the way GRBL documents them
func formatRealtime(p []byte) string {
	if len(p) != 1 {
		return fmt.Sprintf("% X", p)
	}
	for kind := firmware.RealtimeStatusQuery; kind <= firmware.RealtimeSpindleOvMinus10; kind++ {
		if b, ok := firmware.ForKind(firmware.Grbl).RealtimeByte(kind); ok && b == p[0] {
			return fmt.Sprintf("%s (0x%02X)", kind, p[0])
		}
	}
	return fmt.Sprintf("0x%02X", p[0])
}

// formatDuration prints an elapsed time the way the statistics do
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
