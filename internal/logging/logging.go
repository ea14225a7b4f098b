// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging builds the logrus loggers used across graver
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is used for every log line
const TimestampFormat = "2006-01-02 15:04:05"

// New creates a logger writing to out at the given level. "off" and "none"
// discard everything; an unknown level falls back to info.
func New(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "off", "none":
		logger.SetOutput(io.Discard)
	default:
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		logger.SetLevel(lvl)
		logger.SetOutput(out)
	}

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: TimestampFormat,
	})
	return logger
}

// Discard returns a logger that drops everything. Library types use it when
// the caller supplies none.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
