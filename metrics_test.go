package pario

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.RequestsTotal != 0 {
		t.Errorf("Expected 0 initial requests, got %d", snap.RequestsTotal)
	}

	// Record some request outcomes
	m.RecordRequest(1024, time.Millisecond, true)
	m.RecordRequest(2048, 2*time.Millisecond, true)
	m.RecordRequest(512, 500*time.Microsecond, false)

	snap = m.Snapshot()

	if snap.RequestsTotal != 3 {
		t.Errorf("Expected 3 requests, got %d", snap.RequestsTotal)
	}

	// Check byte counts (only successful operations)
	if snap.BytesRead != 1024+2048 {
		t.Errorf("Expected %d bytes read, got %d", 1024+2048, snap.BytesRead)
	}

	if snap.RequestErrors != 1 {
		t.Errorf("Expected 1 request error, got %d", snap.RequestErrors)
	}

	// Check error rate
	expectedErrorRate := float64(1) / float64(3) * 100.0 // 1 error out of 3 requests
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	// Record queue depths
	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	// Check max queue depth
	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	// Check average queue depth
	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	// Record requests with known latencies
	m.RecordRequest(1024, time.Millisecond, true)
	m.RecordRequest(1024, 2*time.Millisecond, true)

	snap := m.Snapshot()

	// Check average latency
	expectedAvgNs := uint64(1500000) // 1.5ms in nanoseconds
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsStageWait(t *testing.T) {
	m := NewMetrics()

	m.RecordStageWait(time.Millisecond, false)
	m.RecordStageWait(30*time.Second, true)

	if got := m.StageWaitTotal.Load(); got != 2 {
		t.Errorf("Expected 2 stage waits, got %d", got)
	}
	if got := m.StageWaitTimeout.Load(); got != 1 {
		t.Errorf("Expected 1 stage wait timeout, got %d", got)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	// Sleep briefly to generate uptime
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	// Check that uptime is reasonable (should be at least 10ms)
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	// Stop metrics and check stopped uptime
	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	// Uptime should not have increased significantly after stop
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 { // Allow 2ms tolerance
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	// Record some activity
	m.RecordRequest(1024, time.Millisecond, true)
	m.RecordRequest(2048, 2*time.Millisecond, true)
	m.RecordQueueDepth(10)

	// Verify activity was recorded
	snap := m.Snapshot()
	if snap.RequestsTotal == 0 {
		t.Error("Expected some requests before reset")
	}

	// Reset metrics
	m.Reset()

	// Verify reset worked
	snap = m.Snapshot()
	if snap.RequestsTotal != 0 {
		t.Errorf("Expected 0 requests after reset, got %d", snap.RequestsTotal)
	}
	if snap.BytesRead != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.BytesRead)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	// Test NoOpObserver doesn't panic
	observer := NoOpObserver{}
	observer.ObserveRequest("ReadOp", 1024, time.Millisecond, true)
	observer.ObserveQueueDepth(10)
	observer.ObserveStageWait(time.Millisecond, false)

	// Test MetricsObserver forwards to metrics
	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveRequest("ReadOp", 1024, time.Millisecond, true)
	metricsObserver.ObserveRequest("CoordOp", 2048, 2*time.Millisecond, true)
	metricsObserver.ObserveStageWait(time.Millisecond, true)

	snap := m.Snapshot()
	if snap.RequestsTotal != 2 {
		t.Errorf("Expected 2 requests from observer, got %d", snap.RequestsTotal)
	}
	if snap.BytesRead != 1024+2048 {
		t.Errorf("Expected %d bytes from observer, got %d", 1024+2048, snap.BytesRead)
	}
	if got := m.StageWaitTimeout.Load(); got != 1 {
		t.Errorf("Expected 1 stage timeout from observer, got %d", got)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	// Simulate a known time period
	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	// Record requests
	m.RecordRequest(1024, time.Millisecond, true)
	m.RecordRequest(2048, 2*time.Millisecond, true)

	// Simulate 1 second has passed
	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	// Request rate should be ~2/sec
	if snap.RequestRate < 1.9 || snap.RequestRate > 2.1 {
		t.Errorf("Expected RequestRate ~2.0, got %.2f", snap.RequestRate)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// Record requests with various latencies:
	// 50 at 500us, 49 at 5ms, 1 at 50ms (the P99).
	for i := 0; i < 50; i++ {
		m.RecordRequest(1024, 500*time.Microsecond, true)
	}
	for i := 0; i < 49; i++ {
		m.RecordRequest(1024, 5*time.Millisecond, true)
	}
	m.RecordRequest(1024, 50*time.Millisecond, true)

	snap := m.Snapshot()

	if snap.RequestsTotal != 100 {
		t.Errorf("Expected 100 requests, got %d", snap.RequestsTotal)
	}

	// P50 should land in the 100us-1ms range
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	// P99 should land in the 5ms-100ms range
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	// Verify histogram buckets are populated
	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	// Due to cumulative nature, total should be >= RequestsTotal
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
