package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/example/chatbot/tools/captest/internal/errclass"
	"github.com/example/chatbot/tools/captest/internal/ramp"
	"github.com/example/chatbot/tools/captest/internal/session"
	"github.com/example/chatbot/tools/captest/internal/tracker"
)

func failedOutcomes(n int, cat errclass.Category) []session.Outcome {
	out := make([]session.Outcome, n)
	for i := range out {
		out[i] = session.Outcome{Ordinal: i + 1, State: session.StateFailed, Category: cat}
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		result ramp.Result
		want   Verdict
	}{
		{
			"completed run",
			ramp.Result{Ceiling: 100},
			VerdictCompleted,
		},
		{
			"cancelled run",
			ramp.Result{Cancelled: true},
			VerdictCancelled,
		},
		{
			"saturation errors mean a capacity limit",
			ramp.Result{
				Stopped:   true,
				StopStage: 2,
				Stages: []ramp.StageResult{
					{Index: 2, Outcomes: failedOutcomes(5, errclass.BadGateway)},
				},
			},
			VerdictCapacityLimit,
		},
		{
			"gateway timeouts mean a capacity limit",
			ramp.Result{
				Stopped: true,
				Stages: []ramp.StageResult{
					{Outcomes: failedOutcomes(3, errclass.GatewayTimeout)},
				},
			},
			VerdictCapacityLimit,
		},
		{
			"setup failures mean infrastructure trouble",
			ramp.Result{
				Stopped: true,
				Stages: []ramp.StageResult{
					{Outcomes: failedOutcomes(5, errclass.SetupFailure)},
				},
			},
			VerdictInfraFailure,
		},
		{
			"refused connections mean infrastructure trouble",
			ramp.Result{
				Stopped: true,
				Stages: []ramp.StageResult{
					{Outcomes: failedOutcomes(4, errclass.ConnectRefused)},
				},
			},
			VerdictInfraFailure,
		},
		{
			"mixed errors lean toward the majority",
			ramp.Result{
				Stopped: true,
				Stages: []ramp.StageResult{
					{Outcomes: append(failedOutcomes(3, errclass.BadGateway), failedOutcomes(1, errclass.SetupFailure)...)},
				},
			},
			VerdictCapacityLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.result))
		})
	}
}

func TestConsole_StageLines(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)
	c.SetPlannedStages(3)

	c.OnStageStart(ramp.StageSpec{Index: 1, Target: 10, Launch: 10})
	c.OnStageComplete(ramp.StageResult{
		Index: 1, Target: 10, Delta: 10, Succeeded: 9, Failed: 1,
		SuccessRate: 0.9, RateDefined: true, Elapsed: 42 * time.Second,
	})

	out := buf.String()
	assert.Contains(t, out, "Stage 1/3: target 10 sessions (launching 10)")
	assert.Contains(t, out, "succeeded=9 failed=1")
	assert.Contains(t, out, "rate=90.0%")
}

func TestConsole_VerboseFailureDetails(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, true)

	c.OnStageComplete(ramp.StageResult{
		Index: 1, Delta: 2, Succeeded: 1, Failed: 1, RateDefined: true, SuccessRate: 0.5,
		Outcomes: []session.Outcome{
			{Ordinal: 1, State: session.StateSucceeded},
			{Ordinal: 2, State: session.StateFailed, Category: errclass.BadGateway},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "session 2 failed (bad_gateway)")
	assert.NotContains(t, out, "session 1 ")
}

func TestConsole_MonitorLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)

	c.OnSnapshot(tracker.Snapshot{
		Active: 7, Peak: 12, Started: 40, Completed: 33,
		Errors: map[errclass.Category]int64{errclass.BadGateway: 2},
	})

	assert.Contains(t, buf.String(), "active=7 peak=12 started=40 completed=33 errors=2")
}

func TestConsole_SummaryWithRecommendation(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)

	result := ramp.Result{
		Stages: []ramp.StageResult{
			{Index: 1, Target: 10, Succeeded: 10, RateDefined: true, SuccessRate: 1},
			{Index: 2, Target: 20, Succeeded: 4, Failed: 6, RateDefined: true, SuccessRate: 0.4,
				Outcomes: failedOutcomes(6, errclass.ServiceUnavailable)},
		},
		Stopped:        true,
		StopStage:      2,
		Ceiling:        10,
		OperatingLimit: 8,
	}

	c.PrintSummary(result, tracker.Snapshot{Started: 30, Completed: 30})

	out := buf.String()
	assert.Contains(t, out, "capacity limit reached at stage 2")
	assert.Contains(t, out, "Measured ceiling: 10 concurrent sessions")
	assert.Contains(t, out, "Recommended operating limit: 8 concurrent sessions")
}

func TestConsole_SummaryWithoutPassingStage(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)

	result := ramp.Result{
		Stages: []ramp.StageResult{
			{Index: 1, Target: 10, Failed: 10, RateDefined: true,
				Outcomes: failedOutcomes(10, errclass.SetupFailure)},
		},
		Stopped:   true,
		StopStage: 1,
	}

	c.PrintSummary(result, tracker.Snapshot{})

	out := buf.String()
	assert.Contains(t, out, "fix the environment")
	assert.Contains(t, out, "No passing stage")
}
