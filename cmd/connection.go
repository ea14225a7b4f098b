// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/graver/internal/config"
	"github.com/Thermoquad/graver/pkg/events"
	"github.com/Thermoquad/graver/pkg/firmware"
	"github.com/Thermoquad/graver/pkg/link"
	"github.com/Thermoquad/graver/pkg/sim"
	"github.com/Thermoquad/graver/pkg/stream"
	"github.com/Thermoquad/graver/pkg/transport"
)

// readyTimeout bounds the wait for the controller's banner or first report
const readyTimeout = 10 * time.Second

// cachedPassword avoids prompting again on every reconnect
var cachedPassword string

// OpenConnection opens the serial, WebSocket, telnet or simulated link the
// configuration names
func OpenConnection(ctx context.Context) (transport.Connection, string, error) {
	c := cfg.Connection

	switch {
	case c.Sim:
		g := sim.NewGrbl(sim.WithLogger(logger.WithField("component", "sim")))
		return g, g.String(), nil

	case c.URL != "":
		password := c.Password
		if c.Username != "" && password == "" {
			if cachedPassword == "" {
				pw, err := transport.GetPassword(config.EnvPassword)
				if err != nil {
					return nil, "", err
				}
				cachedPassword = pw
			}
			password = cachedPassword
		}

		conn, err := transport.OpenWebSocket(ctx, c.URL, transport.WebSocketOptions{
			Username:      c.Username,
			Password:      password,
			SkipSSLVerify: c.SkipSSLVerify,
		})
		if err != nil {
			return nil, "", err
		}
		return conn, conn.String(), nil

	case c.TCP != "":
		conn, err := transport.OpenTCP(ctx, c.TCP)
		if err != nil {
			return nil, "", err
		}
		return conn, conn.String(), nil

	case c.Port != "":
		conn, err := transport.OpenSerial(c.Port, c.Baud)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", c.Port, c.Baud), nil
	}

	return nil, "", fmt.Errorf("one of --port, --url, --tcp or --sim must be specified")
}

// sessionProfile is the dialect a new session starts with
func sessionProfile() firmware.Profile {
	if cfg.Connection.Sim {
		return firmware.ForKind(firmware.Grbl)
	}
	return firmware.ForKind(cfg.Kind())
}

// sessionOptions turns the configuration into session options
func sessionOptions(extra ...link.Option) []link.Option {
	opts := []link.Option{
		link.WithLogger(logger),
		link.WithPollInterval(cfg.Stream.PollInterval),
		link.WithAutoDetect(cfg.Firmware.AutoDetect),
	}
	if cfg.Firmware.Capacity > 0 {
		opts = append(opts, link.WithCapacity(cfg.Firmware.Capacity))
	}
	if cfg.Stream.MaxFrameSize > 0 {
		opts = append(opts, link.WithMaxFrameSize(cfg.Stream.MaxFrameSize))
	}
	if cfg.Stream.OrphanTimeout > 0 {
		opts = append(opts, link.WithStreamOptions(stream.WithOrphanTimeout(cfg.Stream.OrphanTimeout)))
	}
	if cfg.Stream.MailboxSize > 0 {
		opts = append(opts, link.WithEventOptions(events.WithMailboxSize(cfg.Stream.MailboxSize)))
	}
	return append(opts, extra...)
}

// openSession connects and waits for the controller to announce itself
func openSession(ctx context.Context, extra ...link.Option) (*link.Session, string, error) {
	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		return nil, "", err
	}

	s, err := link.Open(ctx, conn, sessionProfile(), sessionOptions(extra...)...)
	if err != nil {
		conn.Close()
		return nil, "", err
	}

	// links that do not reset the controller on open never see a banner;
	// a status report establishes the session just as well
	if err := s.SendRealtime(firmware.RealtimeStatusQuery); err != nil {
		s.Close()
		return nil, "", err
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := s.WaitReady(readyCtx); err != nil {
		s.Close()
		return nil, "", fmt.Errorf("controller on %s did not respond: %w", connInfo, err)
	}
	return s, connInfo, nil
}
