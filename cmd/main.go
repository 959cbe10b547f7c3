// Package main provides the CLI entry point for the chat capacity tester.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/example/chatbot/tools/captest/internal/config"
	"github.com/example/chatbot/tools/captest/internal/ramp"
	"github.com/example/chatbot/tools/captest/internal/report"
	"github.com/example/chatbot/tools/captest/internal/runner"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// CLI flags
var (
	configPath     string
	mode           string
	sessions       int
	rampMax        int
	deadline       time.Duration
	verbose        bool
	validate       bool
	dryRun         bool
	showVersion    bool
	outputFormat   string
	outputFile     string
	prometheusAddr string
)

func init() {
	// Configuration
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&configPath, "c", "", "Path to the YAML configuration file (shorthand)")

	// Override flags
	flag.StringVar(&mode, "mode", "", "Override run mode: flat or ramp")
	flag.IntVar(&sessions, "sessions", 0, "Override flat-mode session count")
	flag.IntVar(&rampMax, "max", 0, "Override ramp population ceiling")
	flag.DurationVar(&deadline, "deadline", 0, "Override per-stage deadline (e.g., 3m)")

	// Utility flags
	flag.BoolVar(&verbose, "verbose", false, "Enable per-session output")
	flag.BoolVar(&verbose, "v", false, "Enable per-session output (shorthand)")
	flag.BoolVar(&validate, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "Show the ramp plan without running")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	// Output flags
	flag.StringVar(&outputFormat, "output", "", "Output format: console, json, or console,json")
	flag.StringVar(&outputFile, "output-file", "", "JSON report file path (overrides config)")
	flag.StringVar(&prometheusAddr, "prometheus", "", "Prometheus metrics endpoint (e.g., :9090 or localhost:9090)")

	// Custom usage
	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Captest - Chat Backend Capacity Testing Tool

USAGE:
    captest -config <path> [options]

DESCRIPTION:
    A capacity testing tool that drives simulated chat sessions against the
    chatbot backend over WebSocket. It grows the session population stage by
    stage until the backend's success rate drops below the threshold, then
    reports the measured concurrency ceiling and a recommended operating
    limit.

    Each session provisions its own credentials, opens an encrypted stream,
    and asks its configured questions one at a time, waiting for each
    complete answer before sending the next.

CONFIGURATION:
    -config, -c <path>    Path to the YAML configuration file

OVERRIDE OPTIONS:
    -mode <mode>          Run mode: "ramp" (progressive) or "flat" (fixed size)
    -sessions <n>         Flat-mode session count
    -max <n>              Ramp population ceiling
    -deadline <dur>       Per-stage deadline (e.g., "3m", "90s")

UTILITY OPTIONS:
    -validate             Validate configuration and exit
    -dry-run              Show the ramp plan without running
    -verbose, -v          Show per-session failures
    -version              Show version information
    -help, -h             Show this help message

OUTPUT OPTIONS:
    -output <format>      Output format: console, json, or console,json
    -output-file <path>   JSON report file path
    -prometheus <addr>    Enable Prometheus metrics endpoint (e.g., :9090)

EXAMPLES:
    # Progressive capacity ramp with the default schedule
    captest -config configs/chatbot.yaml

    # Fixed 50-session soak
    captest -config configs/chatbot.yaml -mode flat -sessions 50

    # Ramp to 300 sessions with a JSON report
    captest -config configs/chatbot.yaml -max 300 -output console,json

    # Enable Prometheus metrics during the run
    captest -config configs/chatbot.yaml -prometheus :9090

    # Validate configuration
    captest -config configs/chatbot.yaml -validate

    # Inspect the ramp plan
    captest -config configs/chatbot.yaml -dry-run

CONFIGURATION FILE FORMAT:
    The configuration file is in YAML format and supports:
    - Target endpoints (provisioning API, WebSocket URL, Origin header)
    - Provisioning credentials and the simulated user identity
    - Ramp schedule (start, increment, max, interval, cumulative)
    - Stage execution (deadline, launch rate, grace period)
    - Stop rule (success threshold, safety fraction)
    - Course question pools, with optional synthesized fillers
    - Reporting (console, JSON file, Prometheus endpoint)

    See configs/example.yaml for a complete example.
`)
}

func main() {
	flag.Parse()

	// Handle version flag
	if showVersion {
		printVersion()
		os.Exit(0)
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config flag is required")
		fmt.Fprintln(os.Stderr, "")
		printUsage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving config path: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromFile(absConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	applyOverrides(cfg)

	if validate {
		fmt.Printf("Configuration '%s' is valid.\n", cfg.Name)
		printConfigSummary(cfg)
		os.Exit(0)
	}

	if dryRun {
		printExecutionPlan(cfg)
		os.Exit(0)
	}

	if err := runCapacityTest(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error running capacity test: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("captest version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func applyOverrides(cfg *config.Config) {
	if mode != "" {
		cfg.Mode = mode
		if verbose {
			fmt.Printf("Override: mode = %s\n", mode)
		}
	}

	if sessions > 0 {
		cfg.Sessions = sessions
		if verbose {
			fmt.Printf("Override: sessions = %d\n", sessions)
		}
	}

	if rampMax > 0 {
		cfg.Ramp.Max = rampMax
		if cfg.Ramp.Start > rampMax {
			cfg.Ramp.Start = rampMax
		}
		if verbose {
			fmt.Printf("Override: ramp.max = %d\n", rampMax)
		}
	}

	if deadline > 0 {
		cfg.Stage.Deadline = deadline
		if verbose {
			fmt.Printf("Override: stage.deadline = %v\n", deadline)
		}
	}

	if verbose {
		cfg.Output.Verbose = true
	}

	if outputFormat != "" {
		cfg.Output.Type = strings.ToLower(outputFormat)
	}
	if outputFile != "" {
		cfg.Output.Path = outputFile
		if !strings.Contains(cfg.Output.Type, "json") {
			cfg.Output.Type = cfg.Output.Type + ",json"
		}
	}

	if prometheusAddr != "" {
		cfg.Prometheus.Enabled = true
		if port := parsePrometheusPort(prometheusAddr); port > 0 {
			cfg.Prometheus.Port = port
		}
		if cfg.Prometheus.Path == "" {
			cfg.Prometheus.Path = "/metrics"
		}
		if verbose {
			fmt.Printf("Override: Prometheus enabled on port %d\n", cfg.Prometheus.Port)
		}
	}
}

// parsePrometheusPort extracts port from address string.
// Supports formats: :9090, localhost:9090, 9090
// Returns 0 for invalid ports (including out of range 1-65535).
func parsePrometheusPort(addr string) int {
	addr = strings.TrimSpace(addr)

	// Handle just port number
	if !strings.Contains(addr, ":") {
		var port int
		if _, err := fmt.Sscanf(addr, "%d", &port); err == nil {
			if port > 0 && port <= 65535 {
				return port
			}
		}
		return 0
	}

	// Handle :port or host:port
	parts := strings.Split(addr, ":")
	if len(parts) >= 2 {
		var port int
		if _, err := fmt.Sscanf(parts[len(parts)-1], "%d", &port); err == nil {
			if port > 0 && port <= 65535 {
				return port
			}
		}
	}
	return 0
}

func printConfigSummary(cfg *config.Config) {
	fmt.Println()
	fmt.Println("Configuration Summary:")
	fmt.Printf("  Name:        %s\n", cfg.Name)
	fmt.Printf("  Version:     %s\n", cfg.Version)
	fmt.Printf("  API:         %s\n", cfg.Target.APIBaseURL)
	fmt.Printf("  WebSocket:   %s\n", cfg.Target.WebSocketURL)
	fmt.Printf("  Mode:        %s\n", cfg.Mode)
	fmt.Printf("  Courses:     %d\n", len(cfg.Courses))
	fmt.Printf("  Questions:   %d per session\n", cfg.QuestionsPerSession())
	fmt.Printf("  Encryption:  %v\n", !cfg.Encryption.Disabled)
	if cfg.Mode == config.ModeFlat {
		fmt.Printf("  Sessions:    %d\n", cfg.Sessions)
	} else {
		fmt.Printf("  Ramp:        %d -> %d by %d every %v\n",
			cfg.Ramp.Start, cfg.Ramp.Max, cfg.Ramp.Increment, cfg.Ramp.Interval)
	}
	fmt.Printf("  Threshold:   %.0f%%\n", cfg.Stop.Threshold*100)
}

func printExecutionPlan(cfg *config.Config) {
	fmt.Println("=== Execution Plan (Dry Run) ===")
	printConfigSummary(cfg)

	fmt.Println()
	if cfg.Mode == config.ModeFlat {
		fmt.Printf("Single stage: %d sessions, deadline %v\n", cfg.Sessions, cfg.Stage.Deadline)
		return
	}

	steps := ramp.BuildSteps(cfg.Ramp.Start, cfg.Ramp.Increment, cfg.Ramp.Max)
	fmt.Printf("Ramp plan (%d stages, %s):\n", len(steps), rampKind(cfg))
	prev := 0
	for i, target := range steps {
		launch := target
		if cfg.IsCumulative() {
			launch = target - prev
		}
		fmt.Printf("  stage %-2d target=%-5d launch=%-5d deadline=%v\n", i+1, target, launch, cfg.Stage.Deadline)
		prev = target
	}
	fmt.Printf("Stop rule: success rate below %.0f%% ends the ramp; recommendation is ceiling x %.0f%%\n",
		cfg.Stop.Threshold*100, cfg.Stop.SafetyFraction*100)
}

func rampKind(cfg *config.Config) string {
	if cfg.IsCumulative() {
		return "cumulative"
	}
	return "independent"
}

func runCapacityTest(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal cancels the run gracefully; a second one kills the
	// process.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupt received, cancelling run (press again to force quit)")
		cancel()
		<-sigCh
		os.Exit(130)
	}()

	fmt.Printf("Starting capacity test '%s' (%s mode)\n", cfg.Name, cfg.Mode)

	result, err := runner.New(cfg, os.Stdout).Run(ctx)
	if err != nil {
		return err
	}

	// A run that only proved the environment broken exits non-zero so CI
	// pipelines notice.
	if report.Classify(result) == report.VerdictInfraFailure {
		return fmt.Errorf("run ended on infrastructure failures, not backend capacity")
	}
	return nil
}
