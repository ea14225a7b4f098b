// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads graver settings from a YAML file and the environment.
//
// Precedence, lowest first: Defaults, the YAML file, GRAVER_* environment
// variables (a .env file in the working directory is loaded first), and
// finally command line flags, which the cmd package applies on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full graver configuration
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Firmware   FirmwareConfig   `yaml:"firmware"`
	Stream     StreamConfig     `yaml:"stream"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ---- CONNECTION ----

type ConnectionConfig struct {
	Port          string `yaml:"port"`
	Baud          int    `yaml:"baud"`
	URL           string `yaml:"url"`
	TCP           string `yaml:"tcp"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SkipSSLVerify bool   `yaml:"no_ssl_verify"`
	Sim           bool   `yaml:"sim"`
}

// ---- FIRMWARE ----

type FirmwareConfig struct {
	Name       string `yaml:"name"`
	AutoDetect bool   `yaml:"auto_detect"`
	// Capacity overrides the receive buffer size; 0 keeps the dialect default
	Capacity int `yaml:"capacity"`
}

// ---- STREAM ----

type StreamConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	OrphanTimeout time.Duration `yaml:"orphan_timeout"`
	MaxFrameSize  int           `yaml:"max_frame_size"`
	MailboxSize   int           `yaml:"mailbox_size"`
	StopOnError   bool          `yaml:"stop_on_error"`
}

// ---- LOGGING ----

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Environment variables read by ApplyEnv
const (
	EnvPort          = "GRAVER_PORT"
	EnvBaud          = "GRAVER_BAUD"
	EnvURL           = "GRAVER_URL"
	EnvTCP           = "GRAVER_TCP"
	EnvUsername      = "GRAVER_USERNAME"
	EnvPassword      = "GRAVER_PASSWORD"
	EnvSkipSSLVerify = "GRAVER_NO_SSL_VERIFY"
	EnvFirmware      = "GRAVER_FIRMWARE"
	EnvPollInterval  = "GRAVER_POLL_INTERVAL"
	EnvLogLevel      = "GRAVER_LOG_LEVEL"
)

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Baud: 115200,
		},
		Firmware: FirmwareConfig{
			Name:       "grbl",
			AutoDetect: true,
		},
		Stream: StreamConfig{
			PollInterval:  200 * time.Millisecond,
			OrphanTimeout: 2 * time.Second,
			MaxFrameSize:  1024,
			MailboxSize:   256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file. The result is validated and normalized.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}

// ApplyEnv overlays GRAVER_* variables found by lookup
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str(EnvPort, &cfg.Connection.Port)
	str(EnvURL, &cfg.Connection.URL)
	str(EnvTCP, &cfg.Connection.TCP)
	str(EnvUsername, &cfg.Connection.Username)
	str(EnvPassword, &cfg.Connection.Password)
	str(EnvFirmware, &cfg.Firmware.Name)
	str(EnvLogLevel, &cfg.Logging.Level)

	if v, ok := lookup(EnvBaud); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBaud, err)
		}
		cfg.Connection.Baud = n
	}
	if v, ok := lookup(EnvSkipSSLVerify); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSkipSSLVerify, err)
		}
		cfg.Connection.SkipSSLVerify = b
	}
	if v, ok := lookup(EnvPollInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		cfg.Stream.PollInterval = d
	}
	return nil
}
