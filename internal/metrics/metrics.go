// Package metrics exposes the partition processor's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the processor metrics. Each partition daemon owns one
// collector with its own registry, so tests never collide on the global
// default.
type Collector struct {
	registry *prometheus.Registry

	recordsProcessed *prometheus.CounterVec
	recordsReplayed  prometheus.Counter
	tasksExecuted    prometheus.Counter
	taskFailures     prometheus.Counter
	blacklistAdds    prometheus.Counter
	processingTime   prometheus.Histogram
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_records_processed_total",
			Help: "Records handled by the live processing path, by outcome.",
		}, []string{"outcome"}),
		recordsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_records_replayed_total",
			Help: "Events applied during replay.",
		}),
		tasksExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_scheduled_tasks_executed_total",
			Help: "Scheduled tasks executed.",
		}),
		taskFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_scheduled_task_failures_total",
			Help: "Scheduled tasks that returned an error.",
		}),
		blacklistAdds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_blacklist_entries_added_total",
			Help: "Entities blacklisted after unrecoverable processing errors.",
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_record_processing_seconds",
			Help:    "Wall time spent processing one record, commit included.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.recordsProcessed,
		c.recordsReplayed,
		c.tasksExecuted,
		c.taskFailures,
		c.blacklistAdds,
		c.processingTime,
	)
	return c
}

// Outcome labels for RecordProcessed.
const (
	OutcomeProcessed = "processed"
	OutcomeRejected  = "rejected"
	OutcomeSkipped   = "skipped"
)

func (c *Collector) RecordProcessed(outcome string, seconds float64) {
	c.recordsProcessed.WithLabelValues(outcome).Inc()
	c.processingTime.Observe(seconds)
}

func (c *Collector) RecordReplayed() {
	c.recordsReplayed.Inc()
}

func (c *Collector) TaskExecuted(failed bool) {
	c.tasksExecuted.Inc()
	if failed {
		c.taskFailures.Inc()
	}
}

func (c *Collector) BlacklistAdded() {
	c.blacklistAdds.Inc()
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
