package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SnapshotSink consumes periodic concurrency snapshots. Implementations must
// not call back into the Tracker's update operations.
type SnapshotSink interface {
	OnSnapshot(Snapshot)
}

// Monitor emits a snapshot to a sink on a fixed cadence for the duration of
// a run. The snapshot is copied under the tracker lock and formatted by the
// sink afterwards, so emission never blocks session transitions.
type Monitor struct {
	tracker  *Tracker
	interval time.Duration
	sinks    []SnapshotSink

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a monitor emitting every interval to the given sinks.
func NewMonitor(t *Tracker, interval time.Duration, sinks ...SnapshotSink) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		tracker:  t,
		interval: interval,
		sinks:    sinks,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the emitter goroutine. It stops when ctx is cancelled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}
	go m.run(ctx)
}

// Stop halts the emitter and waits for it to finish. Idempotent and safe to
// call even if the monitor was never started.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.running.Load() {
		<-m.doneCh
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.emit()
		}
	}
}

func (m *Monitor) emit() {
	snap := m.tracker.Snapshot()
	for _, sink := range m.sinks {
		sink.OnSnapshot(snap)
	}
}
