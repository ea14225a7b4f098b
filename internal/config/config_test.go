// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/graver/pkg/firmware"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// ---- loading ----

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, firmware.Grbl, cfg.Kind())
	assert.Equal(t, 200*time.Millisecond, cfg.Stream.PollInterval)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
connection:
  tcp: 192.168.1.40:23
firmware:
  name: Smoothie
  capacity: 64
stream:
  poll_interval: 150ms
logging:
  level: DEBUG
`), 0o600))

	t.Chdir(dir)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.40:23", cfg.Connection.TCP)
	assert.Equal(t, 115200, cfg.Connection.Baud, "unset keys keep their defaults")
	assert.Equal(t, "smoothieware", cfg.Firmware.Name)
	assert.Equal(t, firmware.Smoothieware, cfg.Kind())
	assert.Equal(t, 64, cfg.Firmware.Capacity)
	assert.Equal(t, 150*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GRAVER_FIRMWARE=tinyg\n"), 0o600))
	t.Chdir(dir)
	t.Setenv(EnvFirmware, "")
	os.Unsetenv(EnvFirmware)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, firmware.TinyG, cfg.Kind())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream: [1, 2"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

// ---- environment ----

func TestApplyEnv(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnv(cfg, env(map[string]string{
		EnvPort:          "/dev/ttyUSB0",
		EnvBaud:          "250000",
		EnvPassword:      "hunter2",
		EnvSkipSSLVerify: "true",
		EnvPollInterval:  "120ms",
		EnvLogLevel:      "warn",
		EnvURL:           "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Connection.Port)
	assert.Equal(t, 250000, cfg.Connection.Baud)
	assert.Equal(t, "hunter2", cfg.Connection.Password)
	assert.True(t, cfg.Connection.SkipSSLVerify)
	assert.Equal(t, 120*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Empty(t, cfg.Connection.URL, "empty variables are ignored")
}

func TestApplyEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"baud", EnvBaud, "fast"},
		{"ssl", EnvSkipSSLVerify, "maybe"},
		{"poll", EnvPollInterval, "often"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ApplyEnv(Defaults(), env(map[string]string{tt.key: tt.val}))
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

// ---- validation ----

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"polling off", func(c *Config) { c.Stream.PollInterval = 0 }, ""},
		{"poll too fast", func(c *Config) { c.Stream.PollInterval = 50 * time.Millisecond }, "poll_interval"},
		{"poll too slow", func(c *Config) { c.Stream.PollInterval = time.Second }, "poll_interval"},
		{"poll lower bound", func(c *Config) { c.Stream.PollInterval = MinPollInterval }, ""},
		{"poll upper bound", func(c *Config) { c.Stream.PollInterval = MaxPollInterval }, ""},
		{"two targets", func(c *Config) { c.Connection.Port = "/dev/ttyACM0"; c.Connection.Sim = true }, "mutually exclusive"},
		{"bad baud", func(c *Config) { c.Connection.Port = "/dev/ttyACM0"; c.Connection.Baud = 0 }, "baud"},
		{"http url", func(c *Config) { c.Connection.URL = "http://fluidnc.local/" }, "scheme"},
		{"ws url", func(c *Config) { c.Connection.URL = "ws://fluidnc.local:81" }, ""},
		{"unknown firmware", func(c *Config) { c.Firmware.Name = "marlin" }, "firmware"},
		{"negative capacity", func(c *Config) { c.Firmware.Capacity = -1 }, "capacity"},
		{"negative orphan timeout", func(c *Config) { c.Stream.OrphanTimeout = -time.Second }, "orphan_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			before := *cfg

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
			assert.Equal(t, before, *cfg, "Validate must not mutate")
		})
	}
}

func TestNormalize(t *testing.T) {
	cfg := Defaults()
	cfg.Firmware.Name = " G2 "
	cfg.Logging.Level = ""
	cfg.Connection.URL = " ws://cnc.local "
	Normalize(cfg)

	assert.Equal(t, "g2core", cfg.Firmware.Name)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "ws://cnc.local", cfg.Connection.URL)

	Normalize(nil)
}
