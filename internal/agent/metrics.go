package agent

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the hook-dispatch latency histogram buckets, in
// nanoseconds. These measure how long a single hook callback (enter or
// exit, including the ring-buffer publish) takes to run on the traced
// thread — a number that matters because every nanosecond here is stolen
// from the target program.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks the agent's operational statistics for one traced process.
type Metrics struct {
	EnterEvents   atomic.Uint64
	ExitEvents    atomic.Uint64
	SampledEvents atomic.Uint64
	OverflowCount atomic.Uint64 // entries dropped by ring-buffer overflow
	WatchReads    atomic.Uint64
	OutputBytes   atomic.Uint64
	OutputDropped atomic.Uint64 // bytes discarded by the output cap/truncation

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

// RecordEnter records a function-enter dispatch.
func (m *Metrics) RecordEnter(sampled bool, latencyNs uint64) {
	m.EnterEvents.Add(1)
	if sampled {
		m.SampledEvents.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordExit records a function-exit dispatch.
func (m *Metrics) RecordExit(sampled bool, latencyNs uint64) {
	m.ExitEvents.Add(1)
	if sampled {
		m.SampledEvents.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordOverflow records entries dropped on a single drain tick.
func (m *Metrics) RecordOverflow(dropped uint64) {
	m.OverflowCount.Add(dropped)
}

// RecordWatchRead records one watch evaluation.
func (m *Metrics) RecordWatchRead() {
	m.WatchReads.Add(1)
}

// RecordOutput records bytes captured from an intercepted write, and bytes
// discarded to the cap or truncation sentinel.
func (m *Metrics) RecordOutput(captured, dropped uint64) {
	m.OutputBytes.Add(captured)
	m.OutputDropped.Add(dropped)
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

// Stop marks the agent as having detached from the target.
func (m *Metrics) Stop(now time.Time) {
	m.StopTime.Store(now.UnixNano())
}

// MetricsSnapshot is a point-in-time view of Metrics, safe to serialize.
type MetricsSnapshot struct {
	EnterEvents   uint64
	ExitEvents    uint64
	SampledEvents uint64
	OverflowCount uint64
	WatchReads    uint64
	OutputBytes   uint64
	OutputDropped uint64

	AvgLatencyNs  uint64
	UptimeNs      uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	EventsPerSecond float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot(now time.Time) MetricsSnapshot {
	snap := MetricsSnapshot{
		EnterEvents:   m.EnterEvents.Load(),
		ExitEvents:    m.ExitEvents.Load(),
		SampledEvents: m.SampledEvents.Load(),
		OverflowCount: m.OverflowCount.Load(),
		WatchReads:    m.WatchReads.Load(),
		OutputBytes:   m.OutputBytes.Load(),
		OutputDropped: m.OutputDropped.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(now.UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.EventsPerSecond = float64(snap.EnterEvents+snap.ExitEvents) / uptimeSeconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
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

// Observer allows pluggable metrics collection, e.g. for the daemon to
// surface agent health without coupling agent internals to the daemon's own
// observability stack.
type Observer interface {
	ObserveEnter(sampled bool, latencyNs uint64)
	ObserveExit(sampled bool, latencyNs uint64)
	ObserveOverflow(dropped uint64)
	ObserveOutput(captured, dropped uint64)
	ObserveWatchRead()
}

// NoOpObserver discards everything.
type NoOpObserver struct{}

func (NoOpObserver) ObserveEnter(bool, uint64)     {}
func (NoOpObserver) ObserveExit(bool, uint64)      {}
func (NoOpObserver) ObserveOverflow(uint64)        {}
func (NoOpObserver) ObserveOutput(uint64, uint64)  {}
func (NoOpObserver) ObserveWatchRead()             {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveEnter(sampled bool, latencyNs uint64) {
	o.metrics.RecordEnter(sampled, latencyNs)
}

func (o *MetricsObserver) ObserveExit(sampled bool, latencyNs uint64) {
	o.metrics.RecordExit(sampled, latencyNs)
}

func (o *MetricsObserver) ObserveOverflow(dropped uint64) {
	o.metrics.RecordOverflow(dropped)
}

func (o *MetricsObserver) ObserveOutput(captured, dropped uint64) {
	o.metrics.RecordOutput(captured, dropped)
}

func (o *MetricsObserver) ObserveWatchRead() {
	o.metrics.RecordWatchRead()
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
