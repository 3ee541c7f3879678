package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineStats gives the collector access to live engine state.
type EngineStats interface {
	CaptureActive() bool
	ResourcesHeld() map[string]bool
	SubscriberCount() int
	QueuePending() int
	AudioBytes() int64
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	db    *sql.DB
	stats EngineStats

	captureActive *prometheus.Desc
	resourceHeld  *prometheus.Desc
	subscribers   *prometheus.Desc
	queuePending  *prometheus.Desc
	audioBytes    *prometheus.Desc
	dbOpenConns   *prometheus.Desc
	dbInUseConns  *prometheus.Desc
	dbWaitCount   *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// db and stats may be nil; the gauges then report 0.
func NewCollector(db *sql.DB, stats EngineStats) *Collector {
	return &Collector{
		db:    db,
		stats: stats,
		captureActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "capture_active"),
			"1 while a recording session is active.",
			nil, nil,
		),
		resourceHeld: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "resource_held"),
			"1 while the single slot of a resource is held.",
			[]string{"resource"}, nil,
		),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "event_subscribers_active"),
			"Current number of event stream subscribers.",
			nil, nil,
		),
		queuePending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "worker_queue_pending"),
			"Tasks waiting for a worker.",
			nil, nil,
		),
		audioBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "storage", "audio_bytes"),
			"Bytes of recorded audio on disk.",
			nil, nil,
		),
		dbOpenConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "open_conns"),
			"Open database connections.",
			nil, nil,
		),
		dbInUseConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "in_use_conns"),
			"Database connections currently in use.",
			nil, nil,
		),
		dbWaitCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "wait_count"),
			"Total waits for a database connection.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.captureActive
	ch <- c.resourceHeld
	ch <- c.subscribers
	ch <- c.queuePending
	ch <- c.audioBytes
	ch <- c.dbOpenConns
	ch <- c.dbInUseConns
	ch <- c.dbWaitCount
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.captureActive, prometheus.GaugeValue, boolGauge(c.stats.CaptureActive()))
		for name, held := range c.stats.ResourcesHeld() {
			ch <- prometheus.MustNewConstMetric(c.resourceHeld, prometheus.GaugeValue, boolGauge(held), name)
		}
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(c.stats.SubscriberCount()))
		ch <- prometheus.MustNewConstMetric(c.queuePending, prometheus.GaugeValue, float64(c.stats.QueuePending()))
		ch <- prometheus.MustNewConstMetric(c.audioBytes, prometheus.GaugeValue, float64(c.stats.AudioBytes()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.captureActive, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.queuePending, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.audioBytes, prometheus.GaugeValue, 0)
	}

	if c.db != nil {
		stat := c.db.Stats()
		ch <- prometheus.MustNewConstMetric(c.dbOpenConns, prometheus.GaugeValue, float64(stat.OpenConnections))
		ch <- prometheus.MustNewConstMetric(c.dbInUseConns, prometheus.GaugeValue, float64(stat.InUse))
		ch <- prometheus.MustNewConstMetric(c.dbWaitCount, prometheus.CounterValue, float64(stat.WaitCount))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbOpenConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbInUseConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbWaitCount, prometheus.CounterValue, 0)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
