package ramp

import (
	"context"
	"time"
)

// StageObserver is notified as stages begin and complete. Implementations
// must not block for long; they run on the controller goroutine.
type StageObserver interface {
	OnStageStart(spec StageSpec)
	OnStageComplete(result StageResult)
}

// ControllerConfig holds the ramp schedule and stop rule.
type ControllerConfig struct {
	// Start, Increment, Max define the stage targets.
	Start     int
	Increment int
	Max       int

	// Cumulative keeps prior stages' sessions in the target count, so each
	// stage only launches the increment. When false every stage launches its
	// full target.
	Cumulative bool

	// Interval is the pause between stages.
	Interval time.Duration

	// Threshold is the minimum stage success rate; a stage below it stops
	// the ramp.
	Threshold float64

	// SafetyFraction scales the ceiling into the recommended operating
	// limit.
	SafetyFraction float64

	// Deadline, LaunchRate, Grace are per-stage execution parameters.
	Deadline   time.Duration
	LaunchRate float64
	Grace      time.Duration
}

// Result is the outcome of a whole ramp run.
type Result struct {
	Stages []StageResult

	// Stopped means the stop rule fired; StopStage is the failing stage's
	// index.
	Stopped   bool
	StopStage int

	// Cancelled means the run was interrupted externally.
	Cancelled bool

	// Ceiling is the last target that passed the threshold; zero when no
	// stage passed.
	Ceiling int

	// OperatingLimit is Ceiling scaled by the safety fraction, rounded down.
	OperatingLimit int
}

// Controller executes the ramp schedule.
type Controller struct {
	cfg      ControllerConfig
	factory  SessionFactory
	observer StageObserver
}

// NewController creates a controller. observer may be nil.
func NewController(cfg ControllerConfig, factory SessionFactory, observer StageObserver) *Controller {
	return &Controller{cfg: cfg, factory: factory, observer: observer}
}

// Run walks the ramp plan stage by stage. It stops early when a stage's
// success rate falls below the threshold or the context is cancelled, and
// always returns the stages that did run plus the capacity recommendation.
func (c *Controller) Run(ctx context.Context) (result Result) {
	defer func() {
		result.OperatingLimit = int(float64(result.Ceiling) * c.cfg.SafetyFraction)
	}()

	steps := BuildSteps(c.cfg.Start, c.cfg.Increment, c.cfg.Max)
	nextOrdinal := 1
	prevTarget := 0

	for i, target := range steps {
		launch := target
		if c.cfg.Cumulative {
			launch = target - prevTarget
		}

		spec := StageSpec{
			Index:        i + 1,
			Target:       target,
			Launch:       launch,
			FirstOrdinal: nextOrdinal,
			Deadline:     c.cfg.Deadline,
			LaunchRate:   c.cfg.LaunchRate,
			Grace:        c.cfg.Grace,
		}
		if c.observer != nil {
			c.observer.OnStageStart(spec)
		}

		stageResult := RunStage(ctx, spec, c.factory)
		result.Stages = append(result.Stages, stageResult)
		nextOrdinal += launch

		if c.observer != nil {
			c.observer.OnStageComplete(stageResult)
		}

		if ctx.Err() != nil {
			result.Cancelled = true
			return result
		}

		if !stageResult.Passed(c.cfg.Threshold) {
			result.Stopped = true
			result.StopStage = stageResult.Index
			return result
		}
		result.Ceiling = target
		prevTarget = target

		if i < len(steps)-1 && c.cfg.Interval > 0 {
			if !c.wait(ctx) {
				result.Cancelled = true
				return result
			}
		}
	}

	return result
}

// wait pauses for the inter-stage interval; false means the context was
// cancelled.
func (c *Controller) wait(ctx context.Context) bool {
	timer := time.NewTimer(c.cfg.Interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
