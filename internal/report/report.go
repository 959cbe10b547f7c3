// Package report renders run progress and the final capacity verdict to the
// console and to JSON report files.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/example/chatbot/tools/captest/internal/errclass"
	"github.com/example/chatbot/tools/captest/internal/ramp"
	"github.com/example/chatbot/tools/captest/internal/session"
	"github.com/example/chatbot/tools/captest/internal/tracker"
)

// Verdict classifies how a run ended.
type Verdict string

const (
	// VerdictCompleted means the ramp reached max with every stage passing.
	VerdictCompleted Verdict = "completed"

	// VerdictCapacityLimit means the stop rule fired on backend saturation
	// errors; the ceiling is a real capacity measurement.
	VerdictCapacityLimit Verdict = "capacity_limit"

	// VerdictInfraFailure means the stop rule fired on setup or
	// reachability errors; the run says little about capacity.
	VerdictInfraFailure Verdict = "infrastructure_failure"

	// VerdictCancelled means the run was interrupted before finishing.
	VerdictCancelled Verdict = "cancelled"
)

// saturation holds the categories that indicate the backend buckling under
// load rather than being unreachable from the start.
var saturation = map[errclass.Category]bool{
	errclass.BadGateway:         true,
	errclass.ServiceUnavailable: true,
	errclass.GatewayTimeout:     true,
	errclass.ConnectTimeout:     true,
	errclass.MidStreamError:     true,
}

// Classify derives the verdict for a finished run. When the stop rule fired,
// the failing stage's error mix decides between a genuine capacity ceiling
// and an infrastructure problem.
func Classify(result ramp.Result) Verdict {
	if result.Cancelled {
		return VerdictCancelled
	}
	if !result.Stopped {
		return VerdictCompleted
	}

	var saturated, infra int
	if len(result.Stages) > 0 {
		last := result.Stages[len(result.Stages)-1]
		for _, o := range last.Outcomes {
			if o.State != session.StateFailed {
				continue
			}
			if saturation[o.Category] {
				saturated++
			} else {
				infra++
			}
		}
	}
	if infra > saturated {
		return VerdictInfraFailure
	}
	return VerdictCapacityLimit
}

// Console renders progress lines and the final summary. Safe for concurrent
// use; the monitor and the controller both write through it.
type Console struct {
	mu      sync.Mutex
	writer  io.Writer
	verbose bool
	stages  int
}

// NewConsole creates a console reporter. writer defaults to os.Stdout.
func NewConsole(writer io.Writer, verbose bool) *Console {
	if writer == nil {
		writer = os.Stdout
	}
	return &Console{writer: writer, verbose: verbose}
}

// SetPlannedStages sets the total stage count shown in progress lines.
func (c *Console) SetPlannedStages(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = n
}

// OnSnapshot implements tracker.SnapshotSink.
func (c *Console) OnSnapshot(snap tracker.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.writer, "[monitor] active=%d peak=%d started=%d completed=%d errors=%d p95=%s\n",
		snap.Active, snap.Peak, snap.Started, snap.Completed, snap.TotalErrors(),
		formatDuration(snap.P95Latency))
}

// OnStageStart implements ramp.StageObserver.
func (c *Console) OnStageStart(spec ramp.StageSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.writer, "\n=== Stage %d%s: target %d sessions (launching %d) ===\n",
		spec.Index, c.stageTotal(), spec.Target, spec.Launch)
}

// OnStageComplete implements ramp.StageObserver.
func (c *Console) OnStageComplete(result ramp.StageResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate := "n/a"
	if result.RateDefined {
		rate = fmt.Sprintf("%.1f%%", result.SuccessRate*100)
	}
	fmt.Fprintf(c.writer, "Stage %d%s done: succeeded=%d failed=%d cancelled=%d rate=%s elapsed=%s\n",
		result.Index, c.stageTotal(), result.Succeeded, result.Failed, result.Cancelled,
		rate, formatDuration(result.Elapsed))
	if result.TimedOut {
		fmt.Fprintf(c.writer, "Stage %d hit its deadline with sessions still running\n", result.Index)
	}

	if !c.verbose {
		return
	}
	for _, o := range result.Outcomes {
		if o.State == session.StateSucceeded {
			continue
		}
		fmt.Fprintf(c.writer, "  session %d %s", o.Ordinal, o.State)
		if o.Category != "" {
			fmt.Fprintf(c.writer, " (%s)", o.Category)
		}
		if o.Err != nil {
			fmt.Fprintf(c.writer, ": %v", o.Err)
		}
		fmt.Fprintln(c.writer)
	}
}

// PrintSummary renders the final run summary and recommendation.
func (c *Console) PrintSummary(result ramp.Result, snap tracker.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.writer
	fmt.Fprintf(w, "\n%s\n", divider)
	fmt.Fprintln(w, "CAPACITY TEST SUMMARY")
	fmt.Fprintln(w, divider)

	for _, stage := range result.Stages {
		rate := "n/a"
		if stage.RateDefined {
			rate = fmt.Sprintf("%.1f%%", stage.SuccessRate*100)
		}
		fmt.Fprintf(w, "  stage %-2d target=%-5d succeeded=%-5d failed=%-5d rate=%s\n",
			stage.Index, stage.Target, stage.Succeeded, stage.Failed, rate)
	}

	fmt.Fprintf(w, "\nInvocations: started=%d completed=%d peak concurrent=%d\n",
		snap.Started, snap.Completed, snap.Peak)
	fmt.Fprintf(w, "Latency: avg=%s p50=%s p95=%s p99=%s max=%s\n",
		formatDuration(snap.AvgLatency), formatDuration(snap.P50Latency),
		formatDuration(snap.P95Latency), formatDuration(snap.P99Latency),
		formatDuration(snap.MaxLatency))

	if snap.TotalErrors() > 0 {
		fmt.Fprintln(w, "Errors:")
		for _, cat := range errclass.Categories() {
			if count := snap.Errors[cat]; count > 0 {
				fmt.Fprintf(w, "  %-20s %d\n", cat, count)
			}
		}
	}

	verdict := Classify(result)
	fmt.Fprintln(w)
	switch verdict {
	case VerdictCompleted:
		fmt.Fprintf(w, "Result: every stage passed up to %d sessions; the backend may have headroom beyond the configured max.\n", result.Ceiling)
	case VerdictCapacityLimit:
		fmt.Fprintf(w, "Result: capacity limit reached at stage %d; the backend saturated under load.\n", result.StopStage)
	case VerdictInfraFailure:
		fmt.Fprintf(w, "Result: stage %d failed on setup or reachability errors; fix the environment before trusting these numbers.\n", result.StopStage)
	case VerdictCancelled:
		fmt.Fprintln(w, "Result: run cancelled before completion; figures below are partial.")
	}

	if result.Ceiling > 0 {
		fmt.Fprintf(w, "Measured ceiling: %d concurrent sessions\n", result.Ceiling)
		fmt.Fprintf(w, "Recommended operating limit: %d concurrent sessions\n", result.OperatingLimit)
	} else {
		fmt.Fprintln(w, "No passing stage; no operating limit can be recommended.")
	}
	fmt.Fprintln(w, divider)
}

func (c *Console) stageTotal() string {
	if c.stages > 0 {
		return fmt.Sprintf("/%d", c.stages)
	}
	return ""
}

const divider = "============================================================"

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Millisecond).String()
}
