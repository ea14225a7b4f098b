// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/Thermoquad/graver/pkg/events"
	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/link"
	"github.com/Thermoquad/graver/pkg/machine"
	"github.com/Thermoquad/graver/pkg/stream"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const maxHistory = 200

// Focus states
const (
	focusInput = iota
	focusHistory
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// historyItem is one command typed in the console
type historyItem struct {
	id     uuid.UUID
	text   string
	state  stream.State
	detail string
}

// Implement list.Item interface
func (h historyItem) Title() string       { return h.text }
func (h historyItem) Description() string { return h.detail }
func (h historyItem) FilterValue() string { return h.text }

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	connMgr *connectionManager

	input        textinput.Model
	history      list.Model
	items        []historyItem
	focusedField int

	log *eventLog

	width          int
	height         int
	quitting       bool
	connected      bool
	connectionLost bool
	lastError      string
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

type reconnectFailedMsg struct {
	err   error
	retry time.Duration
}

func initialConsoleModel(connMgr *connectionManager) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "G0 X10 Y10"
	ti.Prompt = "> "
	ti.CharLimit = 120
	ti.Width = 60
	ti.Focus()

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	history := list.New([]list.Item{}, delegate, 40, 10)
	history.Title = "History"
	history.SetShowStatusBar(false)
	history.SetShowHelp(false)
	history.SetFilteringEnabled(false)

	return consoleModel{
		connMgr:      connMgr,
		input:        ti,
		history:      history,
		focusedField: focusInput,
		log:          newEventLog(100),
		width:        80,
		height:       24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tickCmd())
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case tickMsg:
		return m, tickCmd()

	case eventMsg:
		m.processEvent(msg.ev)

	case connectionLostMsg:
		m.connectionLost = true
		m.connected = false
		m.log.add(fmt.Sprintf("Connection lost: %v - reconnecting...", msg.err), true)

	case reconnectFailedMsg:
		m.log.add(fmt.Sprintf("Connect failed: %v (retry in %s)", msg.err, msg.retry), true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connected = true
		m.log.add("Connected to "+msg.connInfo, false)
	}

	var cmd tea.Cmd
	if m.focusedField == focusInput {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField == focusHistory {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		m.cycleFocus()
		return m, nil

	case "enter":
		if m.focusedField == focusHistory {
			// recall the selected command for editing
			if item, ok := m.history.SelectedItem().(historyItem); ok {
				m.input.SetValue(item.text)
				m.input.CursorEnd()
				m.cycleFocus()
			}
			return m, nil
		}
		line := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if line != "" {
			m.submit(line)
		}
		return m, nil

	case "f1":
		m.action("Feed hold", func(s *link.Session) error { return s.Pause() })
		return m, nil
	case "f2":
		m.action("Cycle start", func(s *link.Session) error { return s.Resume() })
		return m, nil
	case "f3":
		m.track(func(s *link.Session) (*stream.Handle, error) { return s.Unlock() })
		return m, nil
	case "f4":
		m.track(func(s *link.Session) (*stream.Handle, error) { return s.Home() })
		return m, nil
	case "f5":
		m.realtime(firmware.RealtimeFeedOvMinus10)
		return m, nil
	case "f6":
		m.realtime(firmware.RealtimeFeedOvPlus10)
		return m, nil
	case "f7":
		m.realtime(firmware.RealtimeFeedOvReset)
		return m, nil
	case "ctrl+x":
		m.action("Soft reset", func(s *link.Session) error { return s.Cancel() })
		return m, nil
	}

	// Pass through to focused component
	var cmd tea.Cmd
	if m.focusedField == focusHistory {
		m.history, cmd = m.history.Update(msg)
	} else {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m *consoleModel) cycleFocus() {
	if m.focusedField == focusInput {
		m.focusedField = focusHistory
		m.input.Blur()
	} else {
		m.focusedField = focusInput
		m.input.Focus()
	}
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

// session returns the live session or logs why there is none
func (m *consoleModel) session() *link.Session {
	if m.connectionLost || !m.connected {
		m.log.add("Cannot send command: not connected", true)
		return nil
	}
	return m.connMgr.getSession()
}

// submit sends a typed line. Single realtime characters bypass the queue.
func (m *consoleModel) submit(line string) {
	switch line {
	case "?":
		m.realtime(firmware.RealtimeStatusQuery)
	case "!":
		m.action("Feed hold", func(s *link.Session) error { return s.Pause() })
	case "~":
		m.action("Cycle start", func(s *link.Session) error { return s.Resume() })
	default:
		m.track(func(s *link.Session) (*stream.Handle, error) { return s.Enqueue(line) })
	}
}

// track queues a command and adds it to the history
func (m *consoleModel) track(enqueue func(*link.Session) (*stream.Handle, error)) {
	s := m.session()
	if s == nil {
		return
	}
	h, err := enqueue(s)
	if err != nil {
		m.log.add(fmt.Sprintf("Command rejected: %v", err), true)
		return
	}

	item := historyItem{id: h.ID(), text: h.Text(), state: stream.StatePending, detail: "queued"}
	m.items = append([]historyItem{item}, m.items...)
	if len(m.items) > maxHistory {
		m.items = m.items[:maxHistory]
	}
	m.updateHistory()
}

func (m *consoleModel) action(name string, fn func(*link.Session) error) {
	s := m.session()
	if s == nil {
		return
	}
	if err := fn(s); err != nil {
		m.log.add(fmt.Sprintf("%s failed: %v", name, err), true)
		return
	}
	m.log.add(name, false)
}

func (m *consoleModel) realtime(kind firmware.RealtimeKind) {
	s := m.session()
	if s == nil {
		return
	}
	if err := s.SendRealtime(kind); err != nil {
		if errors.Is(err, link.ErrUnsupported) {
			m.log.add(fmt.Sprintf("%s is not supported by %s", kind, s.Profile().Kind()), true)
			return
		}
		m.log.add(fmt.Sprintf("%s failed: %v", kind, err), true)
	}
}

// processEvent updates history and the log from a session event
func (m *consoleModel) processEvent(ev events.Event) {
	if e, ok := ev.(events.CommandCompleted); ok {
		for i := range m.items {
			if m.items[i].id != e.Result.ID {
				continue
			}
			m.items[i].state = e.Result.State
			m.items[i].detail = describeOutcome(e.Result)
			m.updateHistory()
			break
		}
		if e.Result.OK() {
			return
		}
		m.lastError = describeResult(e.Result)
	}
	m.log.addEvent(ev)
}

func describeOutcome(r stream.Result) string {
	if r.OK() {
		return fmt.Sprintf("ok in %s", r.Latency().Round(time.Millisecond))
	}
	return describeResult(r)
}

func (m *consoleModel) updateHistory() {
	items := make([]list.Item, len(m.items))
	for i, item := range m.items {
		items[i] = item
	}
	m.history.SetItems(items)
}

func (m *consoleModel) updateListSize() {
	m.history.SetSize(max(m.width/3, 30), max(m.height-8, 6))
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	focusedBoxStyle := boxStyle.BorderForeground(lipgloss.Color("12"))

	var s strings.Builder

	// Header
	s.WriteString(titleStyle.Render("GRAVER CONSOLE"))
	s.WriteString(" ")
	connStatus := m.connMgr.getConnInfo()
	switch {
	case m.connectionLost:
		connStatus = warningStyle.Render("RECONNECTING...")
	case !m.connected:
		connStatus = warningStyle.Render("CONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | Tab=switch F1 hold F2 start F3 unlock F4 home ^X reset ^C quit", connStatus)))
	s.WriteString("\n\n")

	// Left: status, input and log. Right: history.
	var left strings.Builder
	sess := m.connMgr.getSession()
	if m.connected && sess != nil {
		st, ok := sess.CurrentStatus()
		left.WriteString(renderStatus(sess.State(), st, ok))
		left.WriteString("\n")
		eng := sess.Engine()
		left.WriteString(headerStyle.Render(fmt.Sprintf(" %s %s | queued %d | in flight %d | credit %d/%d",
			sess.Profile().Kind(), sess.Version(), eng.Pending(), eng.InFlight(), eng.Credit(), sess.Profile().BufferCapacity())))
		left.WriteString("\n")
	} else {
		left.WriteString(renderStatus(machine.StateDisconnected, machine.Status{}, false))
		left.WriteString("\n")
	}

	inputBox := boxStyle
	if m.focusedField == focusInput {
		inputBox = focusedBoxStyle
	}
	left.WriteString(inputBox.Render(m.input.View()))
	left.WriteString("\n")
	if m.lastError != "" {
		left.WriteString(errorStyle.Render(" Last error: " + m.lastError))
		left.WriteString("\n")
	}
	left.WriteString(labelStyle.Render("Events:"))
	left.WriteString("\n")
	leftWidth := max(m.width-m.width/3-4, 40)
	left.WriteString(m.log.render(max(m.height-22, 4), leftWidth))

	historyBox := boxStyle
	if m.focusedField == focusHistory {
		historyBox = focusedBoxStyle
	}

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(leftWidth).Render(left.String()),
		historyBox.Render(m.history.View()),
	))
	return s.String()
}
