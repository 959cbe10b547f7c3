// Package transport opens the encrypted bidirectional WebSocket stream to
// the chat backend.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/chatbot/tools/captest/internal/config"
)

// Stream is one open bidirectional message stream. Send and Receive are not
// safe for concurrent use with themselves; Close may be called concurrently
// to unblock a pending Receive.
type Stream interface {
	// Send transmits one outbound frame.
	Send(frame string) error

	// Receive blocks until the next inbound frame, a stream failure, or
	// Close.
	Receive() (string, error)

	// Close releases the stream. Idempotent and always safe to call.
	Close() error
}

// Dialer opens a Stream for a session's credentials.
type Dialer interface {
	Dial(ctx context.Context, token string) (Stream, error)
}

// ConnectError is a classified WebSocket connect failure. StatusCode is the
// HTTP status from the handshake response, or zero when none was received.
type ConnectError struct {
	Err        error
	StatusCode int
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: connect failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StatusCode extracts the handshake status from a connect error chain, or
// zero when there is none.
func StatusCode(err error) int {
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return connErr.StatusCode
	}
	return 0
}

// WebSocketDialer dials the chat backend with a token in the query string
// and the configured Origin header.
type WebSocketDialer struct {
	endpoint         string
	origin           string
	handshakeTimeout time.Duration
}

// NewWebSocketDialer creates a dialer from target configuration.
func NewWebSocketDialer(target config.TargetConfig) *WebSocketDialer {
	return &WebSocketDialer{
		endpoint:         target.WebSocketURL,
		origin:           target.Origin,
		handshakeTimeout: target.HandshakeTimeout,
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Stream, error) {
	wsURL := d.endpoint + "?token=" + url.QueryEscape(token)

	header := http.Header{}
	if d.origin != "" {
		header.Set("Origin", d.origin)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, &ConnectError{Err: err, StatusCode: status}
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	return &wsStream{conn: conn}, nil
}

// wsStream wraps a websocket connection as a Stream.
type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *wsStream) Send(frame string) error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (s *wsStream) Receive() (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		// Best-effort close handshake before dropping the connection.
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
