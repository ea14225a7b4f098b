// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/graver/pkg/link"
	"github.com/Thermoquad/graver/pkg/transport"
)

var (
	detectTimeout int
	detectScan    bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Identify the firmware of a controller",
	Long: `Connect to a controller and report which firmware it runs.

The controller is identified from its welcome banner or its first reply,
so any dialect is recognised regardless of --firmware.

Modes:
  Link (default): probe the link given by --port, --url or --tcp.
  Scan (--scan):  probe every USB serial port in turn.

Examples:
  # Probe one port
  graver detect --port /dev/ttyUSB0

  # Find every controller plugged in
  graver detect --scan

Exit codes:
  0 - At least one controller identified
  1 - No controller answered
  2 - Connection error`,
	Args: cobra.NoArgs,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().IntVar(&detectTimeout, "timeout", 5, "Timeout in seconds per controller")
	detectCmd.Flags().BoolVar(&detectScan, "scan", false, "Probe every USB serial port")
}

// detected describes one identified controller
type detected struct {
	connInfo string
	firmware string
	version  string
	state    string
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg.Firmware.AutoDetect = true

	fmt.Printf("Graver - Firmware Detection\n")
	fmt.Printf("Timeout: %d seconds\n\n", detectTimeout)

	var found []detected
	if detectScan {
		ports, err := transport.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		for _, p := range ports {
			if !p.IsUSB {
				continue
			}
			cfg.Connection.Port = p.Name
			cfg.Connection.URL = ""
			cfg.Connection.TCP = ""
			cfg.Connection.Sim = false

			fmt.Printf("Probing %s...\n", p)
			d, err := probe(cmd.Context())
			if err != nil {
				fmt.Printf("  no answer: %v\n", err)
				continue
			}
			found = append(found, d)
			printDetected(d)
		}
	} else {
		d, err := probe(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		found = append(found, d)
		printDetected(d)
	}

	fmt.Printf("\n--- Detection summary ---\n")
	fmt.Printf("Controllers found: %d\n", len(found))
	if len(found) == 0 {
		fmt.Printf("No controllers answered. Check the cable and the baud rate.\n")
		os.Exit(1)
	}
	return nil
}

// probe opens a session on the configured link and reports what answered
func probe(ctx context.Context) (detected, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(detectTimeout)*time.Second)
	defer cancel()

	s, connInfo, err := openSession(ctx, link.WithPollInterval(0))
	if err != nil {
		return detected{}, err
	}
	defer s.Close()

	return detected{
		connInfo: connInfo,
		firmware: s.Profile().Kind().String(),
		version:  s.Version(),
		state:    s.State().String(),
	}, nil
}

func printDetected(d detected) {
	fmt.Printf("\nController found:\n")
	fmt.Printf("  Connection: %s\n", d.connInfo)
	fmt.Printf("  Firmware: %s\n", d.firmware)
	if d.version != "" {
		fmt.Printf("  Version: %s\n", d.version)
	}
	fmt.Printf("  State: %s\n", d.state)
}
