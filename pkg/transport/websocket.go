// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConnection wraps a WebSocket connection. FluidNC and the ESP3D
// bridges send controller output as text messages, some bridges use binary.
// Both are accepted.
type WebSocketConnection struct {
	conn *websocket.Conn
	url  string

	writeMu sync.Mutex

	readMu    sync.Mutex
	buf       []byte
	bufOffset int
	closed    bool
}

// next returns the payload of the next text or binary message
func (w *WebSocketConnection) next() ([]byte, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrConnectionClosed
			}
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	data, err := w.next()
	if err != nil {
		return 0, err
	}
	w.buf = data
	n := copy(p, w.buf)
	w.bufOffset = n
	return n, nil
}

// ReadMessage returns one whole message. Bytes left over from a partial
// Read are returned first.
func (w *WebSocketConnection) ReadMessage() ([]byte, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	if w.closed {
		return nil, ErrConnectionClosed
	}
	if w.bufOffset < len(w.buf) {
		rest := w.buf[w.bufOffset:]
		w.buf, w.bufOffset = nil, 0
		return rest, nil
	}
	return w.next()
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}

// String returns the endpoint description
func (w *WebSocketConnection) String() string {
	return "WebSocket: " + w.url
}

// WebSocketOptions configures OpenWebSocket
type WebSocketOptions struct {
	Username      string
	Password      string
	SkipSSLVerify bool
}

// OpenWebSocket opens a WebSocket connection with HTTP Basic auth
func OpenWebSocket(ctx context.Context, wsURL string, opts WebSocketOptions) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: opts.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if opts.Username != "" && opts.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketConnection{conn: conn, url: u.Redacted()}, nil
}
