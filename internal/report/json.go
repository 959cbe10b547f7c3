package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/example/chatbot/tools/captest/internal/config"
	"github.com/example/chatbot/tools/captest/internal/ramp"
	"github.com/example/chatbot/tools/captest/internal/tracker"
)

// JSONReport is the machine-readable run report.
type JSONReport struct {
	Metadata ReportMetadata `json:"metadata"`
	Config   ReportConfig   `json:"configuration"`
	Stages   []StageReport  `json:"stages"`
	Totals   TotalsReport   `json:"totals"`
	Verdict  Verdict        `json:"verdict"`

	// Ceiling and OperatingLimit are zero when no stage passed.
	Ceiling        int `json:"ceiling"`
	OperatingLimit int `json:"operatingLimit"`
}

// ReportMetadata describes the report itself.
type ReportMetadata struct {
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`
	Generator   string    `json:"generator"`
}

// ReportConfig captures the configuration the run used.
type ReportConfig struct {
	Name          string  `json:"name"`
	Mode          string  `json:"mode"`
	WebSocketURL  string  `json:"websocketURL"`
	RampStart     int     `json:"rampStart,omitempty"`
	RampIncrement int     `json:"rampIncrement,omitempty"`
	RampMax       int     `json:"rampMax,omitempty"`
	Threshold     float64 `json:"threshold"`
}

// StageReport summarizes one stage.
type StageReport struct {
	Index       int      `json:"index"`
	Target      int      `json:"target"`
	Delta       int      `json:"delta"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	Cancelled   int      `json:"cancelled"`
	SuccessRate *float64 `json:"successRate,omitempty"`
	TimedOut    bool     `json:"timedOut"`
	ElapsedSec  float64  `json:"elapsedSeconds"`
}

// TotalsReport carries run-wide tracker figures.
type TotalsReport struct {
	Started      int64            `json:"invocationsStarted"`
	Completed    int64            `json:"invocationsCompleted"`
	Peak         int64            `json:"peakConcurrent"`
	Errors       map[string]int64 `json:"errors,omitempty"`
	AvgLatencyMS float64          `json:"avgLatencyMs"`
	P50LatencyMS float64          `json:"p50LatencyMs"`
	P95LatencyMS float64          `json:"p95LatencyMs"`
	P99LatencyMS float64          `json:"p99LatencyMs"`
	MaxLatencyMS float64          `json:"maxLatencyMs"`
}

// BuildJSONReport assembles the report from a finished run.
func BuildJSONReport(cfg *config.Config, result ramp.Result, snap tracker.Snapshot) JSONReport {
	report := JSONReport{
		Metadata: ReportMetadata{
			Version:     "1.0",
			GeneratedAt: time.Now().UTC(),
			Generator:   "captest",
		},
		Config: ReportConfig{
			Name:          cfg.Name,
			Mode:          cfg.Mode,
			WebSocketURL:  cfg.Target.WebSocketURL,
			RampStart:     cfg.Ramp.Start,
			RampIncrement: cfg.Ramp.Increment,
			RampMax:       cfg.Ramp.Max,
			Threshold:     cfg.Stop.Threshold,
		},
		Verdict:        Classify(result),
		Ceiling:        result.Ceiling,
		OperatingLimit: result.OperatingLimit,
		Totals: TotalsReport{
			Started:      snap.Started,
			Completed:    snap.Completed,
			Peak:         snap.Peak,
			AvgLatencyMS: float64(snap.AvgLatency) / float64(time.Millisecond),
			P50LatencyMS: float64(snap.P50Latency) / float64(time.Millisecond),
			P95LatencyMS: float64(snap.P95Latency) / float64(time.Millisecond),
			P99LatencyMS: float64(snap.P99Latency) / float64(time.Millisecond),
			MaxLatencyMS: float64(snap.MaxLatency) / float64(time.Millisecond),
		},
	}

	if snap.TotalErrors() > 0 {
		report.Totals.Errors = make(map[string]int64, len(snap.Errors))
		for cat, count := range snap.Errors {
			if count > 0 {
				report.Totals.Errors[string(cat)] = count
			}
		}
	}

	for _, stage := range result.Stages {
		sr := StageReport{
			Index:      stage.Index,
			Target:     stage.Target,
			Delta:      stage.Delta,
			Succeeded:  stage.Succeeded,
			Failed:     stage.Failed,
			Cancelled:  stage.Cancelled,
			TimedOut:   stage.TimedOut,
			ElapsedSec: stage.Elapsed.Seconds(),
		}
		if stage.RateDefined {
			rate := stage.SuccessRate
			sr.SuccessRate = &rate
		}
		report.Stages = append(report.Stages, sr)
	}

	return report
}

// WriteJSONReport writes the report to path, creating parent directories as
// needed.
func WriteJSONReport(path string, report JSONReport) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
