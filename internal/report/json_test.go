package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/chatbot/tools/captest/internal/config"
	"github.com/example/chatbot/tools/captest/internal/errclass"
	"github.com/example/chatbot/tools/captest/internal/ramp"
	"github.com/example/chatbot/tools/captest/internal/tracker"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Name: "capacity-smoke",
		Mode: config.ModeRamp,
		Target: config.TargetConfig{
			WebSocketURL: "wss://chat.example.com/ws",
		},
	}
	cfg.Ramp.Start = 10
	cfg.Ramp.Increment = 10
	cfg.Ramp.Max = 30
	cfg.Stop.Threshold = 0.75
	return cfg
}

func TestBuildJSONReport(t *testing.T) {
	result := ramp.Result{
		Stages: []ramp.StageResult{
			{Index: 1, Target: 10, Delta: 10, Succeeded: 10, RateDefined: true, SuccessRate: 1, Elapsed: 30 * time.Second},
			{Index: 2, Target: 20, Delta: 10, Succeeded: 5, Failed: 5, RateDefined: true, SuccessRate: 0.5},
		},
		Stopped:        true,
		StopStage:      2,
		Ceiling:        10,
		OperatingLimit: 8,
	}
	snap := tracker.Snapshot{
		Started:   30,
		Completed: 30,
		Peak:      12,
		Errors: map[errclass.Category]int64{
			errclass.BadGateway:   3,
			errclass.SetupFailure: 0,
		},
		P95Latency: 1200 * time.Millisecond,
	}

	report := BuildJSONReport(testConfig(), result, snap)

	assert.Equal(t, "capacity-smoke", report.Config.Name)
	assert.Equal(t, 10, report.Ceiling)
	assert.Equal(t, 8, report.OperatingLimit)
	require.Len(t, report.Stages, 2)
	require.NotNil(t, report.Stages[0].SuccessRate)
	assert.Equal(t, 1.0, *report.Stages[0].SuccessRate)
	assert.Equal(t, int64(3), report.Totals.Errors["bad_gateway"])
	assert.NotContains(t, report.Totals.Errors, "setup_failure", "zero counts are omitted")
	assert.Equal(t, 1200.0, report.Totals.P95LatencyMS)
}

func TestBuildJSONReport_UndefinedRateOmitted(t *testing.T) {
	result := ramp.Result{
		Stages: []ramp.StageResult{{Index: 1, Target: 0, Delta: 0}},
	}

	report := BuildJSONReport(testConfig(), result, tracker.Snapshot{})
	require.Len(t, report.Stages, 1)
	assert.Nil(t, report.Stages[0].SuccessRate)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"successRate"`)
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.json")

	report := BuildJSONReport(testConfig(), ramp.Result{Ceiling: 30, OperatingLimit: 24}, tracker.Snapshot{})
	require.NoError(t, WriteJSONReport(path, report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed JSONReport
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, VerdictCompleted, parsed.Verdict)
	assert.Equal(t, 30, parsed.Ceiling)
}
