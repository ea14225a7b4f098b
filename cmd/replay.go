// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/graver/pkg/capture"
	"github.com/Thermoquad/graver/pkg/firmware"
)

var replayRaw bool

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Decode a recorded capture",
	Long: `Decode a capture written by 'monitor --record' or 'stream --record'.

Controller output is reassembled and parsed with the firmware named in the
capture header (or --firmware), switching dialect if a banner says otherwise.
Host writes and realtime bytes are shown as sent.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayRaw, "raw", false, "Show raw frames instead of decoded responses")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	opts := capture.ReplayOptions{
		Profile: firmware.ForKind(cfg.Kind()),
		Detect:  cfg.Firmware.AutoDetect,
	}

	var frames, failures int
	err = capture.Replay(f, opts, func(d capture.Decoded) error {
		if d.Dir == capture.Rx {
			frames++
			if d.Err != nil {
				failures++
			}
		}
		fmt.Print(formatDecoded(d, replayRaw))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	fmt.Printf("\n%d frames, %d decode errors\n", frames, failures)
	return nil
}

// openRecorder creates a capture file. An empty path records nothing; the
// returned close func is always safe to call.
func openRecorder(path string) (*capture.Recorder, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create capture: %w", err)
	}
	rec, err := capture.NewRecorder(f, cfg.Firmware.Name, describeTarget())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rec, func() {
		if err := f.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close capture")
		}
	}, nil
}

// describeTarget names the configured link without opening it
func describeTarget() string {
	c := cfg.Connection
	switch {
	case c.Sim:
		return "sim"
	case c.URL != "":
		return c.URL
	case c.TCP != "":
		return "tcp:" + c.TCP
	}
	return c.Port
}
