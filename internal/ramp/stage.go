package ramp

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/chatbot/tools/captest/internal/session"
)

// Runnable is anything that can execute one session lifecycle.
type Runnable interface {
	Run(ctx context.Context) session.Outcome
}

// SessionFactory builds the session for one ordinal.
type SessionFactory func(ordinal int) Runnable

// StageSpec describes one stage's execution parameters.
type StageSpec struct {
	// Index is the 1-based stage number.
	Index int

	// Target is the stage's total population target.
	Target int

	// Launch is how many new sessions this stage starts.
	Launch int

	// FirstOrdinal numbers the first session launched by this stage.
	FirstOrdinal int

	// Deadline bounds the measurement window.
	Deadline time.Duration

	// LaunchRate paces launches in sessions per second; zero means all at
	// once.
	LaunchRate float64

	// Grace bounds the wait for cancelled sessions after the deadline.
	Grace time.Duration
}

// StageResult summarizes one completed stage.
type StageResult struct {
	Index      int
	Target     int
	Delta      int
	Succeeded  int
	Failed     int
	Cancelled  int
	Unreported int

	// SuccessRate is Succeeded over Delta. Only meaningful when RateDefined
	// is true; a stage that launched nothing has no rate.
	SuccessRate float64
	RateDefined bool

	// TimedOut means the deadline expired with sessions still running.
	TimedOut bool

	Elapsed  time.Duration
	Outcomes []session.Outcome
}

// Passed reports whether the stage's success rate met the threshold. A stage
// with no defined rate passes vacuously.
func (r StageResult) Passed(threshold float64) bool {
	return !r.RateDefined || r.SuccessRate >= threshold
}

// RunStage launches the stage's sessions, waits for them to finish within
// the deadline, and cancels stragglers. Cancelled and unreported sessions
// count as failures.
func RunStage(ctx context.Context, spec StageSpec, factory SessionFactory) StageResult {
	start := time.Now()
	result := StageResult{Index: spec.Index, Target: spec.Target, Delta: spec.Launch}
	defer func() { result.Elapsed = time.Since(start) }()

	if spec.Launch <= 0 {
		return result
	}
	result.RateDefined = true

	stageCtx, cancel := context.WithTimeout(ctx, spec.Deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if spec.LaunchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(spec.LaunchRate), 1)
	}

	outcomes := make(chan session.Outcome, spec.Launch)
	launched := 0
	for i := 0; i < spec.Launch; i++ {
		if err := limiter.Wait(stageCtx); err != nil {
			break
		}
		run := factory(spec.FirstOrdinal + i)
		launched++
		go func() { outcomes <- run.Run(stageCtx) }()
	}

	// Collect until every launched session reports, or deadline plus grace
	// expires. Stragglers past the grace window are abandoned.
	graceDeadline := time.NewTimer(spec.Deadline + spec.Grace)
	defer graceDeadline.Stop()

	for len(result.Outcomes) < launched {
		select {
		case o := <-outcomes:
			result.Outcomes = append(result.Outcomes, o)
		case <-graceDeadline.C:
			result.Unreported = launched - len(result.Outcomes)
			result.TimedOut = true
		}
		if result.Unreported > 0 {
			break
		}
	}

	for _, o := range result.Outcomes {
		switch o.State {
		case session.StateSucceeded:
			result.Succeeded++
		case session.StateCancelled:
			result.Cancelled++
		}
	}
	// Everything that did not succeed counts against the stage, including
	// sessions that never launched because the deadline cut off pacing.
	result.Failed = result.Delta - result.Succeeded
	result.SuccessRate = float64(result.Succeeded) / float64(result.Delta)

	if !result.TimedOut && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = result.Succeeded < result.Delta
	}

	return result
}
