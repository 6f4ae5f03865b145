package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jstaube/pgrig/pkg/session"
)

// PoolStats is the slice of a pool the collector reads.
type PoolStats interface {
	Stat() session.PoolStat
}

// PoolStatsCollector exports a pool's counters at scrape time, so the
// values are current without a polling loop. Register one per pool with a
// distinct pool label.
type PoolStatsCollector struct {
	stats PoolStats

	maxSize          *prometheus.Desc
	live             *prometheus.Desc
	idle             *prometheus.Desc
	checkedOut       *prometheus.Desc
	dialing          *prometheus.Desc
	waiting          *prometheus.Desc
	evictions        *prometheus.Desc
	acquires         *prometheus.Desc
	emptyAcquires    *prometheus.Desc
	canceledAcquires *prometheus.Desc
	acquireWait      *prometheus.Desc
}

// NewPoolStatsCollector builds a collector for one pool. It is not
// registered; pass it to prometheus.MustRegister.
func NewPoolStatsCollector(pool string, stats PoolStats) *PoolStatsCollector {
	labels := prometheus.Labels{"pool": pool}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, labels)
	}
	return &PoolStatsCollector{
		stats:            stats,
		maxSize:          desc("pgrig_pool_max_size", "Configured connection capacity"),
		live:             desc("pgrig_pool_connections_live", "Established physical connections"),
		idle:             desc("pgrig_pool_connections_idle", "Connections in the free set"),
		checkedOut:       desc("pgrig_pool_connections_checked_out", "Connections currently borrowed"),
		dialing:          desc("pgrig_pool_connections_dialing", "Connections being established"),
		waiting:          desc("pgrig_pool_acquires_waiting", "Acquires blocked until capacity frees up"),
		evictions:        desc("pgrig_pool_evictions_total", "Connections discarded instead of returned to the free set"),
		acquires:         desc("pgrig_pool_acquires_total", "Capacity grants"),
		emptyAcquires:    desc("pgrig_pool_empty_acquires_total", "Acquires that found no idle connection"),
		canceledAcquires: desc("pgrig_pool_canceled_acquires_total", "Acquires abandoned while waiting"),
		acquireWait:      desc("pgrig_pool_acquire_wait_seconds_total", "Cumulative time spent waiting for capacity"),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxSize
	ch <- c.live
	ch <- c.idle
	ch <- c.checkedOut
	ch <- c.dialing
	ch <- c.waiting
	ch <- c.evictions
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.canceledAcquires
	ch <- c.acquireWait
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stats.Stat()
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(stat.MaxSize))
	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(stat.Live))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stat.Idle))
	ch <- prometheus.MustNewConstMetric(c.checkedOut, prometheus.GaugeValue, float64(stat.CheckedOut))
	ch <- prometheus.MustNewConstMetric(c.dialing, prometheus.GaugeValue, float64(stat.Dialing))
	ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(stat.Waiting))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stat.Evictions))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(stat.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(stat.EmptyAcquireCount))
	ch <- prometheus.MustNewConstMetric(c.canceledAcquires, prometheus.CounterValue, float64(stat.CanceledAcquireCount))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, stat.AcquireDuration.Seconds())
}
