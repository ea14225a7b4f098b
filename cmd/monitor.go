// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/graver/pkg/events"
	"github.com/Thermoquad/graver/pkg/link"
	"github.com/Thermoquad/graver/pkg/machine"
)

var (
	monitorShowAll       bool
	monitorStatsInterval int
	monitorTUI           bool
	monitorRecordPath    string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch controller output and link statistics",
	Long: `Connect to a controller and print everything it reports.

The controller is polled for status; state changes, alarms, messages,
settings and decode failures are printed as they arrive, with periodic
statistics summaries. Use --show-all to print every status report too.

With --tui a live dashboard shows the machine status, link statistics
and recent events instead.

Use --record to save the raw link traffic for 'graver replay'.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorShowAll, "show-all", false, "Show every status report")
	monitorCmd.Flags().IntVar(&monitorStatsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&monitorTUI, "tui", false, "Use terminal UI")
	monitorCmd.Flags().StringVar(&monitorRecordPath, "record", "", "Record link traffic to a capture file")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	rec, closeRec, err := openRecorder(monitorRecordPath)
	if err != nil {
		return err
	}
	defer closeRec()

	evs := make(chan events.Event, 256)
	opts := []link.Option{
		link.WithListener(events.ListenerFunc(func(ev events.Event) { evs <- ev })),
	}
	if rec != nil {
		opts = append(opts, link.WithRecorder(rec))
	}

	if monitorTUI && cfg.Logging.File == "" {
		// log lines would tear the dashboard
		logger.SetOutput(io.Discard)
	}

	s, connInfo, err := openSession(cmd.Context(), opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	if monitorTUI {
		return runMonitorTUI(s, connInfo, evs)
	}
	return runMonitorText(cmd, s, connInfo, evs)
}

// runMonitorText prints events until interrupted or the link drops
func runMonitorText(cmd *cobra.Command, s *link.Session, connInfo string, evs <-chan events.Event) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Graver - Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Firmware: %s %s\n", s.Profile().Kind(), s.Version())
	fmt.Printf("Statistics interval: %d seconds\n", monitorStatsInterval)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	statsTicker := time.NewTicker(time.Duration(max(monitorStatsInterval, 1)) * time.Second)
	defer statsTicker.Stop()

	lastState := machine.StateDisconnected
	for {
		select {
		case ev := <-evs:
			if st, ok := ev.(events.StatusUpdated); ok {
				// routine polls only print when something changed
				if !monitorShowAll && st.Status.State == lastState {
					continue
				}
				lastState = st.Status.State
			}
			fmt.Println(formatEvent(time.Now(), ev))

		case <-statsTicker.C:
			stats := s.Statistics()
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()

		case <-s.Done():
			stats := s.Statistics()
			fmt.Print(stats.String())
			return s.Err()

		case <-ctx.Done():
			fmt.Println()
			stats := s.Statistics()
			fmt.Print(stats.String())
			return nil
		}
	}
}

// formatEvent renders an event as a timestamped, styled line
func formatEvent(at time.Time, ev events.Event) string {
	ts := timeStyle.Render(at.Format("15:04:05.000"))
	text := events.Describe(ev)

	switch e := ev.(type) {
	case events.Alarm, events.ConnectionLost, events.ProtocolError:
		text = errStyle.Render(text)
	case events.CommandCompleted:
		if e.Result.OK() {
			text = okStyle.Render(text)
		} else {
			text = errStyle.Render(text)
		}
	case events.StateChanged:
		text = stateStyle(e.To).Render(text)
	case events.Feedback, events.ConnectionEstablished:
		text = warnStyle.Render(text)
	}
	return fmt.Sprintf("[%s] %s", ts, text)
}

// ============================================================================
// Dashboard
// ============================================================================

// Messages
type tickMsg time.Time
type eventMsg struct{ ev events.Event }
type sessionDoneMsg struct{ err error }

type monitorModel struct {
	session  *link.Session
	connInfo string
	started  time.Time
	log      *eventLog
	showAll  bool
	width    int
	height   int
	quitting bool
	err      error
}

func runMonitorTUI(s *link.Session, connInfo string, evs <-chan events.Event) error {
	m := monitorModel{
		session:  s,
		connInfo: connInfo,
		started:  time.Now(),
		log:      newEventLog(100),
		showAll:  monitorShowAll,
		width:    80,
		height:   24,
	}
	p := tea.NewProgram(m, tea.WithAltScreen())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case ev := <-evs:
				p.Send(eventMsg{ev})
			case <-s.Done():
				p.Send(sessionDoneMsg{s.Err()})
				return
			case <-stop:
				return
			}
		}
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return final.(monitorModel).err
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Init() tea.Cmd {
	return tickCmd()
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "s":
			m.showAll = !m.showAll
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		// statistics are read fresh in View
		return m, tickCmd()

	case eventMsg:
		if st, ok := msg.ev.(events.StatusUpdated); ok && m.showAll {
			m.log.add(events.Describe(st), false)
		} else {
			m.log.addEvent(msg.ev)
		}

	case sessionDoneMsg:
		m.err = msg.err
		m.log.add(fmt.Sprintf("Session ended: %v", msg.err), true)
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("GRAVER - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %s %s | 's' status reports | 'q' quit",
		m.connInfo, m.session.Profile().Kind(), m.session.Version())))
	s.WriteString("\n\n")

	st, ok := m.session.CurrentStatus()
	s.WriteString(renderStatus(m.session.State(), st, ok))
	s.WriteString("\n")
	s.WriteString(renderStats(m.session.Statistics(), time.Since(m.started)))
	s.WriteString("\n\n")

	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	logHeight := max(m.height-20, 5)
	s.WriteString(m.log.render(logHeight, m.width))

	return s.String()
}
