package unvme

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "unvme"

// Collector exports device Metrics and per-queue counters to Prometheus
type Collector struct {
	dev *Device

	commands    *prometheus.Desc
	bytes       *prometheus.Desc
	errors      *prometheus.Desc
	queueFull   *prometheus.Desc
	lost        *prometheus.Desc
	batchMisses *prometheus.Desc
	batches     *prometheus.Desc
	latency     *prometheus.Desc
	maxDepth    *prometheus.Desc
	outstanding *prometheus.Desc
	wakeups     *prometheus.Desc
	adminLost   *prometheus.Desc
	up          *prometheus.Desc
}

// NewCollector returns a collector for dev. The controller serial number is
// attached to every metric as a constant label.
func NewCollector(dev *Device) *Collector {
	labels := prometheus.Labels{"serial": dev.Controller().Serial}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, variable, labels)
	}
	return &Collector{
		dev:         dev,
		commands:    desc("commands_total", "Completed NVM commands.", "op"),
		bytes:       desc("bytes_total", "Bytes transferred by successful commands.", "op"),
		errors:      desc("command_errors_total", "Commands completed with an error status.", "op"),
		queueFull:   desc("queue_full_total", "Submissions refused because the queue was full."),
		lost:        desc("lost_completions_total", "Completions that matched no outstanding command."),
		batchMisses: desc("batch_misses_total", "Batched completions found in no pending batch."),
		batches:     desc("batches_total", "Batches whose commands all completed."),
		latency:     desc("command_latency_seconds", "Submission to completion latency."),
		maxDepth:    desc("queue_depth_max", "Largest number of outstanding commands observed on a queue."),
		outstanding: desc("queue_outstanding", "Commands awaiting completion.", "qid"),
		wakeups:     desc("queue_wakeups_total", "Interrupts handled by the completion goroutine.", "qid"),
		adminLost:   desc("admin_lost_total", "Admin commands declared lost."),
		up:          desc("up", "Whether the device accepts commands."),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.commands, c.bytes, c.errors, c.queueFull, c.lost, c.batchMisses,
		c.batches, c.latency, c.maxDepth, c.outstanding, c.wakeups, c.adminLost, c.up,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.dev.MetricsSnapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.commands, s.ReadOps, "read")
	counter(c.commands, s.WriteOps, "write")
	counter(c.commands, s.FlushOps, "flush")
	counter(c.bytes, s.ReadBytes, "read")
	counter(c.bytes, s.WriteBytes, "write")
	counter(c.errors, s.ReadErrors, "read")
	counter(c.errors, s.WriteErrors, "write")
	counter(c.errors, s.FlushErrors, "flush")
	counter(c.queueFull, s.QueueFull)
	counter(c.lost, s.Lost)
	counter(c.batchMisses, s.BatchMisses)
	counter(c.batches, s.Batches)
	counter(c.adminLost, c.dev.Admin().Lost())

	// the snapshot histogram is already cumulative
	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, le := range LatencyBuckets {
		buckets[float64(le)/1e9] = s.LatencyHistogram[i]
	}
	count := s.ReadOps + s.WriteOps + s.FlushOps
	sum := float64(s.AvgLatencyNs) * float64(count) / 1e9
	ch <- prometheus.MustNewConstHistogram(c.latency, count, sum, buckets)

	ch <- prometheus.MustNewConstMetric(c.maxDepth, prometheus.GaugeValue, float64(s.MaxQueueDepth))

	up := 0.0
	if c.dev.IsRunning() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)

	for i := 0; i < c.dev.NumQueues(); i++ {
		q := c.dev.Queue(i)
		qid := strconv.Itoa(int(q.ID()))
		ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(q.Outstanding()), qid)
		counter(c.wakeups, q.runner.Wakeups(), qid)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
