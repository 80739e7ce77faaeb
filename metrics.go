package pario

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the request-latency histogram buckets in
// nanoseconds, from 1us (a cache-hot direct read) to 10s (a cold scan
// stalled behind backpressure).
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a Reader.
type Metrics struct {
	RequestsTotal atomic.Uint64
	RequestErrors atomic.Uint64
	BytesRead     atomic.Uint64

	// StagePool wait statistics.
	StageWaitTotal   atomic.Uint64
	StageWaitTimeout atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records the outcome of one Op execution.
func (m *Metrics) RecordRequest(bytes uint64, latency time.Duration, success bool) {
	m.RequestsTotal.Add(1)
	if success {
		m.BytesRead.Add(bytes)
	} else {
		m.RequestErrors.Add(1)
	}
	m.recordLatency(uint64(latency.Nanoseconds()))
}

// RecordStageWait records how long a caller blocked acquiring a Stage from
// a StagePool.
func (m *Metrics) RecordStageWait(latency time.Duration, timedOut bool) {
	m.StageWaitTotal.Add(1)
	if timedOut {
		m.StageWaitTimeout.Add(1)
	}
}

// RecordQueueDepth records a point-in-time ring-queue occupancy sample.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the Reader this Metrics belongs to as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, immutable copy of a Metrics value.
type MetricsSnapshot struct {
	RequestsTotal uint64
	RequestErrors uint64
	BytesRead     uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns uint64
	LatencyP99Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	RequestRate float64 // requests/sec
	ErrorRate   float64 // percentage of failed requests
}

// Snapshot takes a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestsTotal: m.RequestsTotal.Load(),
		RequestErrors: m.RequestErrors.Load(),
		BytesRead:     m.BytesRead.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	if qc := m.QueueDepthCount.Load(); qc > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(qc)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	if snap.UptimeNs > 0 {
		snap.RequestRate = float64(snap.RequestsTotal) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.RequestsTotal > 0 {
		snap.ErrorRate = float64(snap.RequestErrors) / float64(snap.RequestsTotal) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters; useful for testing.
func (m *Metrics) Reset() {
	m.RequestsTotal.Store(0)
	m.RequestErrors.Store(0)
	m.BytesRead.Store(0)
	m.StageWaitTotal.Store(0)
	m.StageWaitTimeout.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, same shape as
// internal/interfaces.Observer so a Reader can hand the same value to
// both its own bookkeeping and internal/worker without either package
// importing the other's concrete types.
type Observer interface {
	ObserveRequest(opKind string, bytes uint64, latency time.Duration, success bool)
	ObserveQueueDepth(depth uint32)
	ObserveStageWait(latency time.Duration, timedOut bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(string, uint64, time.Duration, bool) {}
func (NoOpObserver) ObserveQueueDepth(uint32)                           {}
func (NoOpObserver) ObserveStageWait(time.Duration, bool)               {}

// MetricsObserver implements Observer by recording into a Metrics value.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest(opKind string, bytes uint64, latency time.Duration, success bool) {
	o.metrics.RecordRequest(bytes, latency, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveStageWait(latency time.Duration, timedOut bool) {
	o.metrics.RecordStageWait(latency, timedOut)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
