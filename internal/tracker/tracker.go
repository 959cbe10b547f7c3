// Package tracker provides process-wide concurrency and error accounting for
// the capacity tester. Every session reports its invocation transitions into
// one shared Tracker handle.
package tracker

import (
	"maps"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/example/chatbot/tools/captest/internal/errclass"
)

// Tracker counts in-flight chat invocations and classified failures across
// all sessions. It tracks:
// - Active invocations (question sent, answer pending)
// - Peak concurrency observed so far
// - Total invocations started and completed
// - Per-category error counts
// - Answer latency distribution
//
// All counter updates happen under a single mutex so that peak is always
// observed consistent with active; active never drifts from started−completed
// because each transition updates exactly one of the two totals.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type Tracker struct {
	mu sync.Mutex

	active    int64
	peak      int64
	started   int64
	completed int64
	errors    map[errclass.Category]int64

	latency    *hdrhistogram.Histogram
	latencyObs func(time.Duration)

	startTime time.Time
}

// Snapshot is an immutable point-in-time read of the tracker counters.
type Snapshot struct {
	// Taken is when the snapshot was produced.
	Taken time.Time

	// Elapsed is the time since tracking started.
	Elapsed time.Duration

	// Active is the number of questions sent but not yet answered.
	Active int64

	// Peak is the highest Active value observed so far.
	Peak int64

	// Started is the total number of invocations started.
	Started int64

	// Completed is the total number of invocations completed, successful or
	// failed.
	Completed int64

	// Errors holds per-category failure counts.
	Errors map[errclass.Category]int64

	// Latency distribution over completed answers.
	AvgLatency time.Duration
	P50Latency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration
	MaxLatency time.Duration
}

// TotalErrors returns the sum across all error categories.
func (s Snapshot) TotalErrors() int64 {
	var total int64
	for _, n := range s.Errors {
		total += n
	}
	return total
}

// Latency histogram bounds: 1ms to 10min, 3 significant figures.
const (
	minLatencyMs = 1
	maxLatencyMs = int64(10 * time.Minute / time.Millisecond)
)

// New creates a tracker. The elapsed clock starts immediately.
func New() *Tracker {
	return &Tracker{
		errors:    make(map[errclass.Category]int64),
		latency:   hdrhistogram.New(minLatencyMs, maxLatencyMs, 3),
		startTime: time.Now(),
	}
}

// OnInvocationStarted records a question being sent. Active and peak are
// updated in the same critical section.
func (t *Tracker) OnInvocationStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.started++
	t.active++
	if t.active > t.peak {
		t.peak = t.active
	}
}

// OnInvocationCompleted records a terminal answer or an abandoned wait.
// Every started invocation must be completed exactly once, including on
// failure and forced cancellation.
func (t *Tracker) OnInvocationCompleted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed++
	t.active--
}

// OnError counts a classified failure event.
func (t *Tracker) OnError(category errclass.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errors[category]++
}

// SetLatencyObserver forwards every recorded latency to f, in addition to
// the internal histogram. Must be set before sessions start.
func (t *Tracker) SetLatencyObserver(f func(time.Duration)) {
	t.latencyObs = f
}

// RecordLatency records one answered question's send-to-terminal-chunk
// latency. Values are clamped to the histogram bounds.
func (t *Tracker) RecordLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < minLatencyMs {
		ms = minLatencyMs
	}
	if ms > maxLatencyMs {
		ms = maxLatencyMs
	}

	t.mu.Lock()
	_ = t.latency.RecordValue(ms)
	t.mu.Unlock()

	if t.latencyObs != nil {
		t.latencyObs(d)
	}
}

// Snapshot returns an immutable copy of the counters. It holds the lock only
// long enough to copy a small fixed set of values.
func (t *Tracker) Snapshot() Snapshot {
	now := time.Now()

	t.mu.Lock()
	snap := Snapshot{
		Taken:      now,
		Elapsed:    now.Sub(t.startTime),
		Active:     t.active,
		Peak:       t.peak,
		Started:    t.started,
		Completed:  t.completed,
		Errors:     make(map[errclass.Category]int64, len(t.errors)),
		MaxLatency: time.Duration(t.latency.Max()) * time.Millisecond,
		AvgLatency: time.Duration(t.latency.Mean()) * time.Millisecond,
		P50Latency: time.Duration(t.latency.ValueAtQuantile(50)) * time.Millisecond,
		P95Latency: time.Duration(t.latency.ValueAtQuantile(95)) * time.Millisecond,
		P99Latency: time.Duration(t.latency.ValueAtQuantile(99)) * time.Millisecond,
	}
	maps.Copy(snap.Errors, t.errors)
	t.mu.Unlock()

	return snap
}
