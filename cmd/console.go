// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/graver/pkg/events"
	"github.com/Thermoquad/graver/pkg/link"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for driving a controller",
	Long: `Drive a controller from an interactive terminal UI.

Features:
  - Live machine status (state, positions, feed and spindle, buffer)
  - Command entry with history; every command shows its outcome
  - Feed hold, cycle start, soft reset, unlock and homing keys
  - Feed overrides
  - Event log
  - Automatic reconnection on connection loss

Keys:
  Enter      send the typed command (? ! ~ are sent as realtime bytes)
  Tab        switch between command entry and history
  F1 / F2    feed hold / cycle start
  F3 / F4    unlock / home
  F5 F6 F7   feed override -10% / +10% / 100%
  Ctrl+X     cancel everything and soft reset
  Ctrl+C     quit

Supports serial, WebSocket and telnet connections.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

// connectionManager handles session lifecycle and reconnection
type connectionManager struct {
	session  *link.Session
	connInfo string
	mu       sync.RWMutex
	p        *tea.Program
	ctx      context.Context
	done     chan struct{}
}

func (cm *connectionManager) getSession() *link.Session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.session
}

func (cm *connectionManager) getConnInfo() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connInfo
}

func (cm *connectionManager) setSession(s *link.Session, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.session = s
	cm.connInfo = connInfo
}

// listener forwards session events to the TUI
func (cm *connectionManager) listener() link.Option {
	return link.WithListener(events.ListenerFunc(func(ev events.Event) {
		select {
		case <-cm.done:
		default:
			cm.p.Send(eventMsg{ev})
		}
	}))
}

func runConsole(cmd *cobra.Command, args []string) error {
	if cfg.Logging.File == "" {
		// log lines would tear the TUI
		logger.SetOutput(io.Discard)
	}

	cm := &connectionManager{
		ctx:  cmd.Context(),
		done: make(chan struct{}),
	}

	m := initialConsoleModel(cm)
	p := tea.NewProgram(m, tea.WithAltScreen())
	cm.p = p

	// Connect in the background so the TUI shows progress and retries
	go cm.run()

	_, err := p.Run()
	close(cm.done) // Signal goroutines to stop
	if s := cm.getSession(); s != nil {
		s.Close()
	}
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// run keeps a session open until shutdown
func (cm *connectionManager) run() {
	for {
		if !cm.connect() {
			return // Shutdown requested during connect
		}

		s := cm.getSession()
		select {
		case <-cm.done:
			return
		case <-s.Done():
		}

		// Notify TUI about connection loss
		cm.p.Send(connectionLostMsg{err: s.Err()})
	}
}

// connect opens a session, retrying with exponential backoff
// Returns false if shutdown was requested
func (cm *connectionManager) connect() bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		s, connInfo, err := openSession(cm.ctx, cm.listener())
		if err == nil {
			select {
			case <-cm.done:
				s.Close()
				return false
			default:
			}
			cm.setSession(s, connInfo)

			// Notify TUI about reconnection
			cm.p.Send(reconnectedMsg{connInfo: connInfo})
			return true
		}
		cm.p.Send(reconnectFailedMsg{err: err, retry: backoff})

		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		// Exponential backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
