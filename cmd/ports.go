// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/graver/pkg/transport"
)

var portsUSBOnly bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long: `List the serial ports on this system.

USB ports show their vendor and product IDs, which identify most controller
boards (Arduino-based GRBL boards are usually 2341 or 1A86, FluidNC ESP32
boards 10C4 or 1A86).`,
	Args: cobra.NoArgs,
	// no link is needed
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsUSBOnly, "usb", false, "Only list USB ports")
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}

	found := 0
	for _, p := range ports {
		if portsUSBOnly && !p.IsUSB {
			continue
		}
		fmt.Println(p)
		found++
	}
	if found == 0 {
		fmt.Println("No serial ports found")
	}
	return nil
}
