// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logging

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", &buf)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("frame", "ok").Debug("decoded")
	assert.Contains(t, buf.String(), "decoded")
	assert.Contains(t, buf.String(), "frame=ok")
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger := New("chatty", io.Discard)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestNewOff(t *testing.T) {
	var buf bytes.Buffer
	for _, level := range []string{"off", "none", "OFF"} {
		logger := New(level, &buf)
		logger.Error("dropped")
	}
	assert.Empty(t, buf.String())

	Discard().Error("dropped")
}
