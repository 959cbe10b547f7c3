package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/example/chatbot/tools/captest/internal/errclass"
)

// PrometheusExporter exposes tracker counters via an HTTP /metrics endpoint.
// It updates its gauges from snapshots delivered by the Monitor.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type PrometheusExporter struct {
	mu sync.RWMutex

	config PrometheusExporterConfig

	registry *prometheus.Registry

	activeInvocations prometheus.Gauge
	peakInvocations   prometheus.Gauge
	startedTotal      prometheus.Gauge
	completedTotal    prometheus.Gauge
	errorsTotal       *prometheus.GaugeVec
	answerLatency     prometheus.Histogram

	server *http.Server
	ln     net.Listener

	running   bool
	lastError error
}

// PrometheusExporterConfig holds configuration for the exporter.
type PrometheusExporterConfig struct {
	// Port is the HTTP port for the metrics endpoint.
	// Default: 9090
	Port int

	// Path is the URL path for the metrics endpoint.
	// Default: /metrics
	Path string
}

// NewPrometheusExporter creates a new Prometheus exporter with its own
// registry.
func NewPrometheusExporter(config PrometheusExporterConfig) *PrometheusExporter {
	if config.Port == 0 {
		config.Port = 9090
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	e := &PrometheusExporter{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	e.initMetrics()
	return e
}

func (e *PrometheusExporter) initMetrics() {
	e.activeInvocations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "captest_active_invocations",
		Help: "Questions sent and awaiting a terminal answer chunk.",
	})
	e.peakInvocations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "captest_peak_invocations",
		Help: "Highest concurrent invocation count observed so far.",
	})
	e.startedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "captest_invocations_started_total",
		Help: "Total invocations started.",
	})
	e.completedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "captest_invocations_completed_total",
		Help: "Total invocations completed, successful or failed.",
	})
	e.errorsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "captest_errors_total",
		Help: "Classified session failures.",
	}, []string{"category"})
	e.answerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "captest_answer_latency_seconds",
		Help:    "Send-to-terminal-chunk latency per answered question.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	e.registry.MustRegister(
		e.activeInvocations,
		e.peakInvocations,
		e.startedTotal,
		e.completedTotal,
		e.errorsTotal,
		e.answerLatency,
	)
}

// OnSnapshot implements SnapshotSink, pushing counters into the registry.
func (e *PrometheusExporter) OnSnapshot(snap Snapshot) {
	e.activeInvocations.Set(float64(snap.Active))
	e.peakInvocations.Set(float64(snap.Peak))
	e.startedTotal.Set(float64(snap.Started))
	e.completedTotal.Set(float64(snap.Completed))
	for _, cat := range errclass.Categories() {
		e.errorsTotal.WithLabelValues(string(cat)).Set(float64(snap.Errors[cat]))
	}
}

// ObserveLatency records one answered question's latency in the histogram.
func (e *PrometheusExporter) ObserveLatency(d time.Duration) {
	e.answerLatency.Observe(d.Seconds())
}

// Start starts the HTTP server for the metrics endpoint.
func (e *PrometheusExporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	addr := fmt.Sprintf(":%d", e.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("starting Prometheus exporter: %w", err)
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.mu.Lock()
			e.lastError = err
			e.mu.Unlock()
		}
	}()

	e.running = true
	return nil
}

// Stop stops the HTTP server.
func (e *PrometheusExporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false

	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Address returns the full address for the metrics endpoint.
func (e *PrometheusExporter) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", e.config.Port, e.config.Path)
}

// LastError returns the last error from the HTTP server, if any.
func (e *PrometheusExporter) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Gather collects all metrics from the registry (for testing).
func (e *PrometheusExporter) Gather() ([]*dto.MetricFamily, error) {
	return e.registry.Gather()
}
