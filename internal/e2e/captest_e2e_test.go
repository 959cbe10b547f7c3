// Package e2e runs the capacity tester end to end against an in-process
// chatbot backend: a real provisioning API and a real WebSocket server, with
// payload encryption disabled so the fake backend can speak plain JSON.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/chatbot/tools/captest/internal/config"
	"github.com/example/chatbot/tools/captest/internal/runner"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeBackend serves the provisioning API and the chat WebSocket endpoint.
type fakeBackend struct {
	srv *httptest.Server

	tokensIssued atomic.Int64
	connections  atomic.Int64

	// rejectAfter makes the WebSocket handshake return 503 once this many
	// connections were accepted. Zero means never reject.
	rejectAfter int64
}

func newFakeBackend(rejectAfter int64) *fakeBackend {
	b := &fakeBackend{rejectAfter: rejectAfter}

	mux := http.NewServeMux()
	mux.HandleFunc("/nuc/v1/generate-token", b.handleToken)
	mux.HandleFunc("/ws", b.handleChat)
	b.srv = httptest.NewServer(mux)
	return b
}

func (b *fakeBackend) Close() { b.srv.Close() }

func (b *fakeBackend) apiURL() string { return b.srv.URL }

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *fakeBackend) handleToken(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.tokensIssued.Add(1)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":     "1",
		"token":       "tok",
		"client_code": "cc",
		"session_id":  body["session_id"],
	})
}

func (b *fakeBackend) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if b.rejectAfter > 0 && b.connections.Load() >= b.rejectAfter {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
		return
	}
	b.connections.Add(1)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var question map[string]any
		if err := json.Unmarshal(frame, &question); err != nil {
			return
		}

		// One streamed chunk, then the terminal answer carrying attributes.
		partial, _ := json.Marshal(map[string]any{"partial": "thinking"})
		if err := conn.WriteMessage(websocket.TextMessage, partial); err != nil {
			return
		}
		terminal, _ := json.Marshal(map[string]any{
			"complete_response":  "answer to " + question["user_message"].(string),
			"session_attributes": map[string]any{"answered": true},
		})
		if err := conn.WriteMessage(websocket.TextMessage, terminal); err != nil {
			return
		}
	}
}

func e2eConfig(t *testing.T, b *fakeBackend) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Name: "e2e",
		Target: config.TargetConfig{
			APIBaseURL:   b.apiURL(),
			WebSocketURL: b.wsURL(),
		},
		Auth: config.AuthConfig{AccessKey: "ak", SecretKey: "sk"},
		Courses: []config.CourseConfig{
			{ID: "MED1060", Questions: []string{"first question", "second question"}},
		},
	}
	cfg.Encryption.Disabled = true
	require.NoError(t, cfg.Validate())
	cfg.ApplyDefaults()

	cfg.Ramp.Start = 2
	cfg.Ramp.Increment = 2
	cfg.Ramp.Max = 4
	cfg.Ramp.Interval = time.Millisecond
	cfg.Stage.Deadline = 10 * time.Second
	cfg.Stage.Grace = 2 * time.Second
	cfg.Monitor.Interval = 50 * time.Millisecond
	return cfg
}

func TestCapacityRun_AgainstFakeBackend(t *testing.T) {
	backend := newFakeBackend(0)
	defer backend.Close()

	var out bytes.Buffer
	cfg := e2eConfig(t, backend)

	result, err := runner.New(cfg, &out).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Stopped)
	assert.Equal(t, 4, result.Ceiling)
	assert.Equal(t, 3, result.OperatingLimit)

	// Preflight plus four load sessions each provisioned once.
	assert.Equal(t, int64(5), backend.tokensIssued.Load())
	assert.Contains(t, out.String(), "CAPACITY TEST SUMMARY")
	assert.Contains(t, out.String(), "Measured ceiling: 4 concurrent sessions")
}

func TestCapacityRun_BackendSaturates(t *testing.T) {
	// Preflight takes one connection; stage 1's two sessions connect and
	// then the backend starts refusing with 503.
	backend := newFakeBackend(3)
	defer backend.Close()

	var out bytes.Buffer
	cfg := e2eConfig(t, backend)

	result, err := runner.New(cfg, &out).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Stopped)
	assert.Equal(t, 2, result.StopStage)
	assert.Equal(t, 2, result.Ceiling, "stage 1 still passed")
	assert.Contains(t, out.String(), "capacity limit reached at stage 2")
}

func TestCapacityRun_FlatMode(t *testing.T) {
	backend := newFakeBackend(0)
	defer backend.Close()

	var out bytes.Buffer
	cfg := e2eConfig(t, backend)
	cfg.Mode = config.ModeFlat
	cfg.Sessions = 3

	result, err := runner.New(cfg, &out).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Stages, 1)
	assert.Equal(t, 3, result.Stages[0].Succeeded)
	assert.Equal(t, 3, result.Ceiling)
}
