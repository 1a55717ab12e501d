// Package poolstats exports pgxpool statistics as prometheus metrics.
package poolstats

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = (*Collector)(nil)

// Stater is a provider of the Stat() function. Implemented by pgxpool.Pool.
type Stater interface {
	Stat() *pgxpool.Stat
}

// Collector is a prometheus.Collector over the statistics produced by
// pgxpool.Stat.
type Collector struct {
	name string
	stat func() *pgxpool.Stat

	acquireCountDesc         *prometheus.Desc
	acquireDurationDesc      *prometheus.Desc
	acquiredConnsDesc        *prometheus.Desc
	canceledAcquireCountDesc *prometheus.Desc
	constructingConnsDesc    *prometheus.Desc
	emptyAcquireCountDesc    *prometheus.Desc
	idleConnsDesc            *prometheus.Desc
	maxConnsDesc             *prometheus.Desc
	totalConnsDesc           *prometheus.Desc
}

var staticLabels = []string{"application_name"}

// NewCollector creates a Collector reading from the pool. The appname label
// differentiates pools when an application uses more than one.
func NewCollector(stater Stater, appname string) *Collector {
	return &Collector{
		name: appname,
		stat: stater.Stat,
		acquireCountDesc: prometheus.NewDesc(
			"pgxpool_acquire_count",
			"Cumulative count of successful acquires from the pool.",
			staticLabels, nil),
		acquireDurationDesc: prometheus.NewDesc(
			"pgxpool_acquire_duration_seconds_total",
			"Total duration of all successful acquires from the pool.",
			staticLabels, nil),
		acquiredConnsDesc: prometheus.NewDesc(
			"pgxpool_acquired_conns",
			"Number of currently acquired connections in the pool.",
			staticLabels, nil),
		canceledAcquireCountDesc: prometheus.NewDesc(
			"pgxpool_canceled_acquire_count",
			"Cumulative count of acquires from the pool that were canceled by a context.",
			staticLabels, nil),
		constructingConnsDesc: prometheus.NewDesc(
			"pgxpool_constructing_conns",
			"Number of conns with construction in progress in the pool.",
			staticLabels, nil),
		emptyAcquireCountDesc: prometheus.NewDesc(
			"pgxpool_empty_acquire",
			"Cumulative count of successful acquires that waited because the pool was empty.",
			staticLabels, nil),
		idleConnsDesc: prometheus.NewDesc(
			"pgxpool_idle_conns",
			"Number of currently idle conns in the pool.",
			staticLabels, nil),
		maxConnsDesc: prometheus.NewDesc(
			"pgxpool_max_conns",
			"Maximum size of the pool.",
			staticLabels, nil),
		totalConnsDesc: prometheus.NewDesc(
			"pgxpool_total_conns",
			"Total number of resources currently in the pool.",
			staticLabels, nil),
	}
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	s := c.stat()
	for _, m := range []struct {
		desc *prometheus.Desc
		kind prometheus.ValueType
		v    float64
	}{
		{c.acquireCountDesc, prometheus.CounterValue, float64(s.AcquireCount())},
		{c.acquireDurationDesc, prometheus.CounterValue, s.AcquireDuration().Seconds()},
		{c.acquiredConnsDesc, prometheus.GaugeValue, float64(s.AcquiredConns())},
		{c.canceledAcquireCountDesc, prometheus.CounterValue, float64(s.CanceledAcquireCount())},
		{c.constructingConnsDesc, prometheus.GaugeValue, float64(s.ConstructingConns())},
		{c.emptyAcquireCountDesc, prometheus.CounterValue, float64(s.EmptyAcquireCount())},
		{c.idleConnsDesc, prometheus.GaugeValue, float64(s.IdleConns())},
		{c.maxConnsDesc, prometheus.GaugeValue, float64(s.MaxConns())},
		{c.totalConnsDesc, prometheus.GaugeValue, float64(s.TotalConns())},
	} {
		metrics <- prometheus.MustNewConstMetric(m.desc, m.kind, m.v, c.name)
	}
}
