// Package main provides tests for the CLI entry point.
package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/example/chatbot/tools/captest/internal/config"
)

func resetFlags() {
	mode = ""
	sessions = 0
	rampMax = 0
	deadline = 0
	verbose = false
	outputFormat = ""
	outputFile = ""
	prometheusAddr = ""
}

func baseConfig() *config.Config {
	cfg := &config.Config{
		Name: "cli-test",
		Target: config.TargetConfig{
			APIBaseURL:   "https://api.example.com",
			WebSocketURL: "wss://chat.example.com/ws",
		},
		Courses: []config.CourseConfig{{ID: "MED1060", Questions: []string{"q"}}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestParsePrometheusPort(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want int
	}{
		{"colon port", ":9090", 9090},
		{"host and port", "localhost:9090", 9090},
		{"bare port", "9090", 9090},
		{"ipv4 host", "127.0.0.1:8080", 8080},
		{"invalid", "not-a-port", 0},
		{"out of range", ":70000", 0},
		{"zero", ":0", 0},
		{"empty", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePrometheusPort(tt.addr))
		})
	}
}

func TestApplyOverrides_Mode(t *testing.T) {
	resetFlags()
	mode = config.ModeFlat
	sessions = 50

	cfg := baseConfig()
	applyOverrides(cfg)

	assert.Equal(t, config.ModeFlat, cfg.Mode)
	assert.Equal(t, 50, cfg.Sessions)
}

func TestApplyOverrides_RampMaxClampsStart(t *testing.T) {
	resetFlags()
	rampMax = 5

	cfg := baseConfig()
	cfg.Ramp.Start = 10
	applyOverrides(cfg)

	assert.Equal(t, 5, cfg.Ramp.Max)
	assert.Equal(t, 5, cfg.Ramp.Start, "start never exceeds max")
}

func TestApplyOverrides_Deadline(t *testing.T) {
	resetFlags()
	deadline = 90 * time.Second

	cfg := baseConfig()
	applyOverrides(cfg)

	assert.Equal(t, 90*time.Second, cfg.Stage.Deadline)
}

func TestApplyOverrides_OutputFileEnablesJSON(t *testing.T) {
	resetFlags()
	outputFile = "results/run.json"

	cfg := baseConfig()
	applyOverrides(cfg)

	assert.Equal(t, "results/run.json", cfg.Output.Path)
	assert.Contains(t, cfg.Output.Type, "json")
}

func TestApplyOverrides_Prometheus(t *testing.T) {
	resetFlags()
	prometheusAddr = ":9191"

	cfg := baseConfig()
	applyOverrides(cfg)

	assert.True(t, cfg.Prometheus.Enabled)
	assert.Equal(t, 9191, cfg.Prometheus.Port)
	assert.Equal(t, "/metrics", cfg.Prometheus.Path)
}

func TestApplyOverrides_NoFlagsLeaveConfigAlone(t *testing.T) {
	resetFlags()

	cfg := baseConfig()
	want := *cfg
	applyOverrides(cfg)

	assert.Equal(t, want.Mode, cfg.Mode)
	assert.Equal(t, want.Sessions, cfg.Sessions)
	assert.Equal(t, want.Ramp, cfg.Ramp)
	assert.False(t, cfg.Prometheus.Enabled)
}
