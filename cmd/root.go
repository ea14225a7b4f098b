// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/graver/internal/config"
	"github.com/Thermoquad/graver/internal/logging"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Other links
	tcpAddress string
	useSim     bool

	firmwareName string
	configPath   string
	logLevel     string
	pollInterval time.Duration
)

// Loaded in PersistentPreRunE
var (
	cfg    *config.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "graver",
	Short: "CNC and laser controller host",
	Long: `Graver - stream G-code to GRBL, TinyG, g2core, Smoothieware and FluidNC
controllers while tracking their state.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]
  Telnet:    --tcp host[:23]
  Simulator: --sim

Settings may also come from a YAML file (--config) and GRAVER_* environment
variables, including a .env file in the working directory. Flags win over
the environment, which wins over the file.

For WebSocket authentication, the password is read from the GRAVER_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "0.4.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&tcpAddress, "tcp", "", "Telnet bridge address (host[:port])")
	rootCmd.PersistentFlags().BoolVar(&useSim, "sim", false, "Use the built-in GRBL simulator")

	rootCmd.PersistentFlags().StringVarP(&firmwareName, "firmware", "f", "grbl", "Firmware dialect (grbl, tinyg, g2core, smoothieware, fluidnc)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, off)")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", 200*time.Millisecond, "Status query period (100ms-250ms, 0 disables)")
}

// loadConfig layers flags the user actually set over file and environment
func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	for _, name := range []string{"port", "url", "tcp", "sim"} {
		if flags.Changed(name) {
			// a link chosen on the command line replaces the configured one
			c.Connection.Port, c.Connection.URL, c.Connection.TCP, c.Connection.Sim = "", "", "", false
			break
		}
	}
	if flags.Changed("port") {
		c.Connection.Port = portName
	}
	if flags.Changed("baud") {
		c.Connection.Baud = baudRate
	}
	if flags.Changed("url") {
		c.Connection.URL = wsURL
	}
	if flags.Changed("username") {
		c.Connection.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		c.Connection.SkipSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("tcp") {
		c.Connection.TCP = tcpAddress
	}
	if flags.Changed("sim") {
		c.Connection.Sim = useSim
	}
	if flags.Changed("firmware") {
		c.Firmware.Name = firmwareName
		c.Firmware.AutoDetect = false
	}
	if flags.Changed("log-level") {
		c.Logging.Level = logLevel
	}
	if flags.Changed("poll-interval") {
		c.Stream.PollInterval = pollInterval
	}

	if err := config.Validate(c); err != nil {
		return err
	}
	config.Normalize(c)

	out := os.Stderr
	if c.Logging.File != "" {
		f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	cfg = c
	logger = logging.New(c.Logging.Level, out)
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
