package unvme

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-unvme/internal/nvme"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
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

// Metrics tracks command and queue statistics for a device
type Metrics struct {
	// Command counters
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	FlushOps atomic.Uint64

	// Byte counters, successful commands only
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Commands completed with an error status
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	FlushErrors atomic.Uint64

	// Queue events
	QueueFull   atomic.Uint64 // submissions refused for lack of a command id or batch slot
	Lost        atomic.Uint64 // completions that matched no outstanding command
	BatchMisses atomic.Uint64 // completions whose id was in no pending batch
	Batches     atomic.Uint64 // batches whose every command completed
	BatchedOps  atomic.Uint64 // commands in completed batches

	// Queue depth samples taken after each submission
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Submit to completion latency
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Each bucket[i] counts commands with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed write
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a completed flush
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordBatch records a batch whose commands have all completed
func (m *Metrics) RecordBatch(total int) {
	m.Batches.Add(1)
	m.BatchedOps.Add(uint64(total))
}

// RecordQueueDepth records current queue depth for statistics
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

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
type MetricsSnapshot struct {
	ReadOps  uint64 `json:"read_ops"`
	WriteOps uint64 `json:"write_ops"`
	FlushOps uint64 `json:"flush_ops"`

	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`

	ReadErrors  uint64 `json:"read_errors"`
	WriteErrors uint64 `json:"write_errors"`
	FlushErrors uint64 `json:"flush_errors"`

	QueueFull   uint64 `json:"queue_full"`
	Lost        uint64 `json:"lost"`
	BatchMisses uint64 `json:"batch_misses"`
	Batches     uint64 `json:"batches"`
	BatchedOps  uint64 `json:"batched_ops"`

	AvgQueueDepth float64 `json:"avg_queue_depth"`
	MaxQueueDepth uint32  `json:"max_queue_depth"`

	AvgLatencyNs uint64 `json:"avg_latency_ns"`
	UptimeNs     uint64 `json:"uptime_ns"`

	LatencyP50Ns  uint64 `json:"latency_p50_ns"`
	LatencyP99Ns  uint64 `json:"latency_p99_ns"`
	LatencyP999Ns uint64 `json:"latency_p999_ns"`

	// cumulative bucket counts
	LatencyHistogram [numLatencyBuckets]uint64 `json:"latency_histogram"`

	ReadIOPS       float64 `json:"read_iops"`
	WriteIOPS      float64 `json:"write_iops"`
	ReadBandwidth  float64 `json:"read_bandwidth"` // bytes per second
	WriteBandwidth float64 `json:"write_bandwidth"`
	TotalOps       uint64  `json:"total_ops"`
	TotalBytes     uint64  `json:"total_bytes"`
	ErrorRate      float64 `json:"error_rate"` // percent of failed commands
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		FlushOps:      m.FlushOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),
		QueueFull:     m.QueueFull.Load(),
		Lost:          m.Lost.Load(),
		BatchMisses:   m.BatchMisses.Load(),
		Batches:       m.Batches.Load(),
		BatchedOps:    m.BatchedOps.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	if count := m.QueueDepthCount.Load(); count > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(count)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.FlushErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
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

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.ReadOps, &m.WriteOps, &m.FlushOps,
		&m.ReadBytes, &m.WriteBytes,
		&m.ReadErrors, &m.WriteErrors, &m.FlushErrors,
		&m.QueueFull, &m.Lost, &m.BatchMisses, &m.Batches, &m.BatchedOps,
		&m.QueueDepthTotal, &m.QueueDepthCount,
		&m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	m.MaxQueueDepth.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives command and queue events from every I/O queue of a
// device. Methods are called from completion goroutines and must be safe for
// concurrent use.
type Observer interface {
	// ObserveCommand is called once per completed command
	ObserveCommand(opcode uint8, bytes uint64, latencyNs uint64, success bool)

	// ObserveQueueFull is called when a submission is refused
	ObserveQueueFull()

	// ObserveLost is called for a completion that matched no command
	ObserveLost()

	// ObserveBatchMiss is called when a batched command id is in no batch
	ObserveBatchMiss()

	// ObserveBatch is called when every command of a batch has completed
	ObserveBatch(total int)

	// ObserveQueueDepth is called after each submission with the number of
	// outstanding commands on that queue
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint8, uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueFull()                          {}
func (NoOpObserver) ObserveLost()                               {}
func (NoOpObserver) ObserveBatchMiss()                          {}
func (NoOpObserver) ObserveBatch(int)                           {}
func (NoOpObserver) ObserveQueueDepth(uint32)                   {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(opcode uint8, bytes uint64, latencyNs uint64, success bool) {
	switch opcode {
	case nvme.CmdRead:
		o.metrics.RecordRead(bytes, latencyNs, success)
	case nvme.CmdWrite:
		o.metrics.RecordWrite(bytes, latencyNs, success)
	case nvme.CmdFlush:
		o.metrics.RecordFlush(latencyNs, success)
	}
}

func (o *MetricsObserver) ObserveQueueFull() { o.metrics.QueueFull.Add(1) }

func (o *MetricsObserver) ObserveLost() { o.metrics.Lost.Add(1) }

func (o *MetricsObserver) ObserveBatchMiss() { o.metrics.BatchMisses.Add(1) }

func (o *MetricsObserver) ObserveBatch(total int) { o.metrics.RecordBatch(total) }

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// fanout delivers every event to several observers
type fanout []Observer

func (f fanout) ObserveCommand(opcode uint8, bytes uint64, latencyNs uint64, success bool) {
	for _, o := range f {
		o.ObserveCommand(opcode, bytes, latencyNs, success)
	}
}

func (f fanout) ObserveQueueFull() {
	for _, o := range f {
		o.ObserveQueueFull()
	}
}

func (f fanout) ObserveLost() {
	for _, o := range f {
		o.ObserveLost()
	}
}

func (f fanout) ObserveBatchMiss() {
	for _, o := range f {
		o.ObserveBatchMiss()
	}
}

func (f fanout) ObserveBatch(total int) {
	for _, o := range f {
		o.ObserveBatch(total)
	}
}

func (f fanout) ObserveQueueDepth(depth uint32) {
	for _, o := range f {
		o.ObserveQueueDepth(depth)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = fanout(nil)
