// Package runner wires configuration, provisioning, transport, sessions, and
// reporting into a complete capacity test run.
package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/example/chatbot/tools/captest/internal/codec"
	"github.com/example/chatbot/tools/captest/internal/config"
	"github.com/example/chatbot/tools/captest/internal/provision"
	"github.com/example/chatbot/tools/captest/internal/questions"
	"github.com/example/chatbot/tools/captest/internal/ramp"
	"github.com/example/chatbot/tools/captest/internal/report"
	"github.com/example/chatbot/tools/captest/internal/session"
	"github.com/example/chatbot/tools/captest/internal/tracker"
	"github.com/example/chatbot/tools/captest/internal/transport"
)

// Runner executes one capacity test run end to end.
type Runner struct {
	cfg *config.Config
	out io.Writer

	// Seams for tests; production wiring fills these from cfg.
	provisioner provision.Provisioner
	dialer      transport.Dialer
}

// New creates a runner for the given configuration. out receives all console
// output.
func New(cfg *config.Config, out io.Writer) *Runner {
	return &Runner{cfg: cfg, out: out}
}

// Run executes the configured test and returns the ramp result. The run ends
// early when ctx is cancelled; partial results are still returned.
func (r *Runner) Run(ctx context.Context) (ramp.Result, error) {
	cfg := r.cfg
	faker := gofakeit.New(0)

	user := questions.FillIdentity(cfg.UserContext, faker)
	planner := questions.NewPlanner(cfg.Courses, faker)
	plan := planner.Plan()

	cdc := codec.New(codec.Options{
		Disabled:        cfg.Encryption.Disabled,
		RequestGreeting: cfg.Message.RequestGreeting,
		LanguageCode:    cfg.Message.LanguageCode,
		UserTimezone:    cfg.Message.UserTimezone,
	})

	provisioner := r.provisioner
	if provisioner == nil {
		provisioner = provision.NewClient(cfg.Target, cfg.Auth, user, cfg.Metadata)
	}
	dialer := r.dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(cfg.Target)
	}

	trk := tracker.New()
	console := report.NewConsole(r.out, cfg.Output.Verbose)
	sinks := []tracker.SnapshotSink{console}

	if cfg.Prometheus.Enabled {
		exporter := tracker.NewPrometheusExporter(tracker.PrometheusExporterConfig{
			Port: cfg.Prometheus.Port,
			Path: cfg.Prometheus.Path,
		})
		if err := exporter.Start(); err != nil {
			return ramp.Result{}, fmt.Errorf("starting metrics endpoint: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = exporter.Stop(stopCtx)
		}()
		trk.SetLatencyObserver(exporter.ObserveLatency)
		sinks = append(sinks, exporter)
		fmt.Fprintf(r.out, "Metrics available at %s\n", exporter.Address())
	}

	if !cfg.Preflight.Disabled {
		if err := r.preflight(ctx, provisioner, dialer); err != nil {
			return ramp.Result{}, err
		}
		fmt.Fprintln(r.out, "Preflight probe passed")
	}

	monitor := tracker.NewMonitor(trk, cfg.Monitor.Interval, sinks...)
	monitor.Start(ctx)
	defer monitor.Stop()

	factory := func(ordinal int) ramp.Runnable {
		return session.New(ordinal, provisioner, dialer, cdc, plan, trk)
	}

	var result ramp.Result
	if cfg.Mode == config.ModeFlat {
		result = r.runFlat(ctx, console, factory)
	} else {
		result = r.runRamp(ctx, console, factory)
	}

	monitor.Stop()
	snap := trk.Snapshot()
	console.PrintSummary(result, snap)

	if strings.Contains(cfg.Output.Type, "json") {
		path := cfg.Output.Path
		if path == "" {
			path = "captest-report.json"
		}
		jsonReport := report.BuildJSONReport(cfg, result, snap)
		if err := report.WriteJSONReport(path, jsonReport); err != nil {
			return result, err
		}
		fmt.Fprintf(r.out, "JSON report written to %s\n", path)
	}

	return result, nil
}

// preflight provisions one credential set and opens one stream to verify the
// backend is reachable before any load is generated.
func (r *Runner) preflight(ctx context.Context, provisioner provision.Provisioner, dialer transport.Dialer) error {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.Preflight.Timeout)
	defer cancel()

	creds, err := provisioner.Provision(probeCtx, 0)
	if err != nil {
		return fmt.Errorf("preflight provisioning: %w", err)
	}

	stream, err := dialer.Dial(probeCtx, creds.Token)
	if err != nil {
		return fmt.Errorf("preflight connect: %w", err)
	}
	return stream.Close()
}

func (r *Runner) runRamp(ctx context.Context, console *report.Console, factory ramp.SessionFactory) ramp.Result {
	cfg := r.cfg

	steps := ramp.BuildSteps(cfg.Ramp.Start, cfg.Ramp.Increment, cfg.Ramp.Max)
	console.SetPlannedStages(len(steps))

	controller := ramp.NewController(ramp.ControllerConfig{
		Start:          cfg.Ramp.Start,
		Increment:      cfg.Ramp.Increment,
		Max:            cfg.Ramp.Max,
		Cumulative:     cfg.IsCumulative(),
		Interval:       cfg.Ramp.Interval,
		Threshold:      cfg.Stop.Threshold,
		SafetyFraction: cfg.Stop.SafetyFraction,
		Deadline:       cfg.Stage.Deadline,
		LaunchRate:     cfg.Stage.LaunchRate,
		Grace:          cfg.Stage.Grace,
	}, factory, console)

	return controller.Run(ctx)
}

// runFlat executes a single stage at the fixed session count and applies the
// same pass criterion and safety fraction as a one-stage ramp.
func (r *Runner) runFlat(ctx context.Context, console *report.Console, factory ramp.SessionFactory) ramp.Result {
	cfg := r.cfg
	console.SetPlannedStages(1)

	spec := ramp.StageSpec{
		Index:        1,
		Target:       cfg.Sessions,
		Launch:       cfg.Sessions,
		FirstOrdinal: 1,
		Deadline:     cfg.Stage.Deadline,
		LaunchRate:   cfg.Stage.LaunchRate,
		Grace:        cfg.Stage.Grace,
	}
	console.OnStageStart(spec)
	stage := ramp.RunStage(ctx, spec, factory)
	console.OnStageComplete(stage)

	result := ramp.Result{Stages: []ramp.StageResult{stage}}
	if ctx.Err() != nil {
		result.Cancelled = true
	}
	if stage.Passed(cfg.Stop.Threshold) {
		result.Ceiling = cfg.Sessions
	} else {
		result.Stopped = true
		result.StopStage = 1
	}
	result.OperatingLimit = int(float64(result.Ceiling) * cfg.Stop.SafetyFraction)
	return result
}
