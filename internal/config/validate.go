// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Thermoquad/graver/pkg/firmware"
)

// Poll interval bounds
const (
	MinPollInterval = 100 * time.Millisecond
	MaxPollInterval = 250 * time.Millisecond
)

// Validate checks configuration correctness.
// It performs declarative validation only and never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// ------------------------------------------------------------
	// CONNECTION
	// ------------------------------------------------------------

	targets := 0
	for _, set := range []bool{
		cfg.Connection.Port != "",
		cfg.Connection.URL != "",
		cfg.Connection.TCP != "",
		cfg.Connection.Sim,
	} {
		if set {
			targets++
		}
	}
	if targets > 1 {
		return fmt.Errorf("connection: port, url, tcp and sim are mutually exclusive")
	}

	if cfg.Connection.Port != "" && cfg.Connection.Baud <= 0 {
		return fmt.Errorf("connection: baud must be positive, got %d", cfg.Connection.Baud)
	}

	if cfg.Connection.URL != "" {
		u, err := url.Parse(cfg.Connection.URL)
		if err != nil {
			return fmt.Errorf("connection: url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("connection: url scheme must be ws or wss, got %q", u.Scheme)
		}
	}

	// ------------------------------------------------------------
	// FIRMWARE
	// ------------------------------------------------------------

	if _, err := firmware.ParseKind(cfg.Firmware.Name); err != nil {
		return fmt.Errorf("firmware: %w", err)
	}
	if cfg.Firmware.Capacity < 0 {
		return fmt.Errorf("firmware: capacity must not be negative, got %d", cfg.Firmware.Capacity)
	}

	// ------------------------------------------------------------
	// STREAM
	// ------------------------------------------------------------

	// zero disables polling
	poll := cfg.Stream.PollInterval
	if poll != 0 && (poll < MinPollInterval || poll > MaxPollInterval) {
		return fmt.Errorf("stream: poll_interval %s outside %s..%s", poll, MinPollInterval, MaxPollInterval)
	}
	if cfg.Stream.OrphanTimeout < 0 {
		return fmt.Errorf("stream: orphan_timeout must not be negative")
	}
	if cfg.Stream.MaxFrameSize < 0 || cfg.Stream.MailboxSize < 0 {
		return fmt.Errorf("stream: sizes must not be negative")
	}

	// ------------------------------------------------------------
	// LOGGING
	// ------------------------------------------------------------

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "off", "none", "panic", "fatal", "error", "warn", "warning", "info", "debug", "trace":
	default:
		return fmt.Errorf("logging: unknown level %q", cfg.Logging.Level)
	}

	return nil
}

// Normalize canonicalizes names. It must be called only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if k, err := firmware.ParseKind(cfg.Firmware.Name); err == nil {
		cfg.Firmware.Name = k.String()
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Connection.URL = strings.TrimSpace(cfg.Connection.URL)
}

// Kind returns the configured firmware family
func (c *Config) Kind() firmware.Kind {
	k, _ := firmware.ParseKind(c.Firmware.Name)
	return k
}
