// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport opens byte streams to motion controllers over serial,
// TCP or WebSocket.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// Connection provides a common interface for reading/writing bytes from any
// controller link
type Connection interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// MessageReader is implemented by links that preserve message boundaries.
// Each call returns exactly one message as the peer sent it.
type MessageReader interface {
	ReadMessage() ([]byte, error)
}

// ErrConnectionClosed is returned when using a connection after Close or
// after the peer went away
var ErrConnectionClosed = errors.New("connection closed")

// DefaultPasswordEnv names the environment variable holding the WebSocket
// password
const DefaultPasswordEnv = "GRAVER_PASSWORD"

// GetPassword retrieves password from environment or prompts user
func GetPassword(envVar string) (string, error) {
	if envVar == "" {
		envVar = DefaultPasswordEnv
	}
	if pw := os.Getenv(envVar); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}
