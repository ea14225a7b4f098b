// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/link"
	"github.com/Thermoquad/graver/pkg/sim"
)

func TestCancelStreamLogsFailedReset(t *testing.T) {
	nullLogger, hook := test.NewNullLogger()
	saved := logger
	logger = nullLogger
	t.Cleanup(func() { logger = saved })

	s, err := link.Open(context.Background(), sim.NewGrbl(), firmware.ForKind(firmware.Grbl), link.WithPollInterval(0))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cancelStream(s)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Failed to cancel stream", entry.Message)
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), link.ErrSessionClosed)
}
