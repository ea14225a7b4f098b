// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer greets with two messages then echoes everything back
func echoServer(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte("Grbl 1.1h ['$' for help]\r\n"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("ok\r\n"))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWebSocketMessages(t *testing.T) {
	srv := echoServer(t, "")
	defer srv.Close()

	conn, err := OpenWebSocket(context.Background(), wsURL(srv), WebSocketOptions{})
	require.NoError(t, err)
	defer conn.Close()

	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Grbl 1.1h ['$' for help]\r\n", string(msg))

	msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ok\r\n", string(msg), "binary messages are accepted")

	_, err = conn.Write([]byte("?"))
	require.NoError(t, err)
	msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "?", string(msg))

	assert.Contains(t, conn.String(), "WebSocket: ws://")
}

func TestWebSocketPartialRead(t *testing.T) {
	srv := echoServer(t, "")
	defer srv.Close()

	conn, err := OpenWebSocket(context.Background(), wsURL(srv), WebSocketOptions{})
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "Grbl", string(buf[:n]))

	// the rest of the first message comes before the next one
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, " 1.1h ['$' for help]\r\n", string(msg))

	msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ok\r\n", string(msg))
}

func TestWebSocketBasicAuth(t *testing.T) {
	// base64("admin:secret")
	srv := echoServer(t, "Basic YWRtaW46c2VjcmV0")
	defer srv.Close()

	_, err := OpenWebSocket(context.Background(), wsURL(srv), WebSocketOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")

	conn, err := OpenWebSocket(context.Background(), wsURL(srv), WebSocketOptions{Username: "admin", Password: "secret"})
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketBadScheme(t *testing.T) {
	_, err := OpenWebSocket(context.Background(), "http://example.com", WebSocketOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

func TestWebSocketServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.Close()
	}))
	defer srv.Close()

	conn, err := OpenWebSocket(context.Background(), wsURL(srv), WebSocketOptions{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadMessage()
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = conn.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		_, _ = c.Write(append([]byte("echo:"), buf[:n]...))
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := OpenTCP(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("G0 X1\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo:G0 X1\n", string(buf[:n]))

	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestGetPasswordFromEnv(t *testing.T) {
	t.Setenv("GRAVER_TEST_PASSWORD", "hunter2")
	pw, err := GetPassword("GRAVER_TEST_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
}

func TestPortInfoString(t *testing.T) {
	assert.Equal(t, "/dev/ttyS0", PortInfo{Name: "/dev/ttyS0"}.String())
	p := PortInfo{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043", Product: "Arduino Uno", SerialNumber: "ABC"}
	assert.Equal(t, "/dev/ttyACM0  USB 2341:0043  Arduino Uno  (ABC)", p.String())
}
