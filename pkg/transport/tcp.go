// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultTCPPort is the telnet port used by FluidNC and ser2net style
// bridges
const DefaultTCPPort = "23"

// TCPConnection wraps a raw TCP stream
type TCPConnection struct {
	conn net.Conn
}

func (t *TCPConnection) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return n, ErrConnectionClosed
	}
	return n, err
}

func (t *TCPConnection) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *TCPConnection) Close() error {
	return t.conn.Close()
}

// String returns the endpoint description
func (t *TCPConnection) String() string {
	return "TCP: " + t.conn.RemoteAddr().String()
}

// OpenTCP dials host[:port], defaulting to port 23
func OpenTCP(ctx context.Context, address string) (*TCPConnection, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, DefaultTCPPort)
	}

	dialer := net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 15 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("TCP connection to %s failed: %w", address, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &TCPConnection{conn: conn}, nil
}

// NewTCPConnection wraps an existing net.Conn
func NewTCPConnection(conn net.Conn) *TCPConnection {
	return &TCPConnection{conn: conn}
}
