package memvault

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAdd is called after each memory add.
	RecordAdd(duration time.Duration, err error)

	// RecordRetrieve is called after each ranked retrieval.
	// results is the number of records returned.
	RecordRetrieve(results int, duration time.Duration, err error)

	// RecordSyncCycle is called after each upload+download cycle.
	RecordSyncCycle(duration time.Duration, err error)

	// RecordSnapshot is called after snapshot creation or restore.
	RecordSnapshot(size int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(time.Duration, error)           {}
func (NoopMetricsCollector) RecordRetrieve(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSyncCycle(time.Duration, error)     {}
func (NoopMetricsCollector) RecordSnapshot(int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount          atomic.Int64
	AddErrors         atomic.Int64
	AddTotalNanos     atomic.Int64
	RetrieveCount     atomic.Int64
	RetrieveErrors    atomic.Int64
	RetrieveResults   atomic.Int64
	RetrieveTotalNano atomic.Int64
	SyncCycleCount    atomic.Int64
	SyncCycleErrors   atomic.Int64
	SnapshotCount     atomic.Int64
	SnapshotErrors    atomic.Int64
	SnapshotBytes     atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordRetrieve implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRetrieve(results int, duration time.Duration, err error) {
	b.RetrieveCount.Add(1)
	b.RetrieveResults.Add(int64(results))
	b.RetrieveTotalNano.Add(duration.Nanoseconds())
	if err != nil {
		b.RetrieveErrors.Add(1)
	}
}

// RecordSyncCycle implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSyncCycle(duration time.Duration, err error) {
	b.SyncCycleCount.Add(1)
	if err != nil {
		b.SyncCycleErrors.Add(1)
	}
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(size int, duration time.Duration, err error) {
	b.SnapshotCount.Add(1)
	b.SnapshotBytes.Add(int64(size))
	if err != nil {
		b.SnapshotErrors.Add(1)
	}
}
