// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/graver/pkg/link"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure status report round-trip time",
	Long: `Send status queries and wait for the matching status report.

This is useful for verifying:
  - The link is established and the controller is responding
  - HTTP Basic authentication works (WebSocket)
  - Realtime bytes reach the controller

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	// background polling would answer our queries for us
	s, connInfo, err := openSession(cmd.Context(), link.WithPollInterval(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Graver - Status Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Firmware: %s %s\n", s.Profile().Kind(), s.Version())
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0
	var total, best, worst time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(pingTimeout)*time.Second)
		rtt, err := s.Ping(ctx)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		case err != nil:
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		default:
			st, _ := s.CurrentStatus()
			fmt.Printf("%s, rtt=%v\n", st.State, rtt.Round(time.Microsecond*100))
			successCount++
			total += rtt
			if best == 0 || rtt < best {
				best = rtt
			}
			worst = max(worst, rtt)
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n",
			best.Round(time.Microsecond*100), (total / time.Duration(successCount)).Round(time.Microsecond*100), worst.Round(time.Microsecond*100))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
