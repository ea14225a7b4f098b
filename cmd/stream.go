// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/graver/pkg/events"
	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/gcode"
	"github.com/Thermoquad/graver/pkg/link"
	"github.com/Thermoquad/graver/pkg/stream"
)

var (
	streamStopOnError bool
	streamRecordPath  string
)

var streamCmd = &cobra.Command{
	Use:   "stream FILE",
	Short: "Stream a G-code file to the controller",
	Long: `Stream a G-code program, keeping the controller's receive buffer full.

Comments, blank lines and % delimiters are stripped; every remaining line is
one command. Progress is printed as commands complete. A controller error
on one line is reported and streaming continues unless --stop-on-error is
given. An alarm always stops the stream and exits non-zero.

Ctrl+C cancels the stream and soft resets the controller.`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.Flags().BoolVar(&streamStopOnError, "stop-on-error", false, "Cancel the stream on the first controller error")
	streamCmd.Flags().StringVar(&streamRecordPath, "record", "", "Record link traffic to a capture file")
}

// errAlarm ends a stream that hit a controller alarm
var errAlarm = errors.New("controller alarm")

func runStream(cmd *cobra.Command, args []string) error {
	if cfg.Stream.StopOnError && !cmd.Flags().Changed("stop-on-error") {
		streamStopOnError = true
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	program, err := gcode.ReadProgram(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if len(program) == 0 {
		return fmt.Errorf("%s: no commands", args[0])
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alarms := make(chan events.Alarm, 1)
	opts := []link.Option{
		link.WithListener(events.ListenerFunc(func(ev events.Event) {
			if a, ok := ev.(events.Alarm); ok {
				select {
				case alarms <- a:
				default:
				}
			}
		})),
	}

	rec, closeRec, err := openRecorder(streamRecordPath)
	if err != nil {
		return err
	}
	defer closeRec()
	if rec != nil {
		opts = append(opts, link.WithRecorder(rec))
	}

	// the session outlives ctx so Ctrl+C can still send the reset
	s, connInfo, err := openSession(cmd.Context(), opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Graver - Stream\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Firmware: %s %s\n", s.Profile().Kind(), s.Version())
	fmt.Printf("Program: %s (%d commands)\n\n", args[0], len(program))

	handles := make([]*stream.Handle, 0, len(program))
	for _, line := range program {
		h, err := s.Enqueue(line.Text)
		if err != nil {
			cancelStream(s)
			return fmt.Errorf("line %d: %w", line.Number, err)
		}
		handles = append(handles, h)
	}

	start := time.Now()
	errorCount := 0
	for i, h := range handles {
		select {
		case <-h.Done():
		case a := <-alarms:
			fmt.Println()
			return fmt.Errorf("%w %d at line %d: %s", errAlarm, a.Code, program[i].Number, a.Message)
		case <-ctx.Done():
			fmt.Println()
			cancelStream(s)
			return fmt.Errorf("stream interrupted at line %d", program[i].Number)
		case <-s.Done():
			fmt.Println()
			return fmt.Errorf("stream aborted at line %d: %w", program[i].Number, s.Err())
		}

		r, _ := h.Result()
		var aerr *stream.AlarmError
		if errors.As(r.Err, &aerr) {
			fmt.Println()
			return fmt.Errorf("%w %d at line %d: %s", errAlarm, aerr.Code, program[i].Number, firmware.DescribeAlarm(aerr.Code))
		}
		if !r.OK() {
			errorCount++
			fmt.Printf("\nline %d: %s: %v\n", program[i].Number, r.Text, describeResult(r))
			if streamStopOnError {
				cancelStream(s)
				return fmt.Errorf("stopped on error at line %d", program[i].Number)
			}
		}
		fmt.Printf("\r[%d/%d] %5.1f%%  %s", i+1, len(handles), float64(i+1)*100/float64(len(handles)), time.Since(start).Round(time.Second))
	}

	fmt.Printf("\n\nCompleted %d commands in %s, %d errors\n\n", len(handles), time.Since(start).Round(time.Millisecond), errorCount)
	stats := s.Statistics()
	fmt.Print(stats.String())

	if errorCount > 0 {
		return fmt.Errorf("%d commands failed", errorCount)
	}
	return nil
}

// cancelStream soft resets the controller. A reset that cannot be sent is
// logged; the stream is ending either way.
func cancelStream(s *link.Session) {
	if err := s.Cancel(); err != nil {
		logger.WithError(err).Warn("Failed to cancel stream")
	}
}

// describeResult renders a failed result with the firmware's explanation
func describeResult(r stream.Result) string {
	var cerr *stream.CommandError
	if errors.As(r.Err, &cerr) {
		if desc := firmware.DescribeError(cerr.Code); desc != "" {
			return fmt.Sprintf("%v (%s)", r.Err, desc)
		}
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.State.String()
}
