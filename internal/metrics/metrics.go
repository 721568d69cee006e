// Package metrics exposes poll and refresh outcomes as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"timesync-connector/internal/domain"
)

const namespace = "timesync"

// Collector records per-cycle counts for external monitoring. It satisfies
// usecase.Observer.
type Collector struct {
	fetched      prometheus.Counter
	dispatched   prometheus.Counter
	failed       prometheus.Counter
	deadLettered prometheus.Counter
	skipped      prometheus.Counter
	deferred     prometheus.Counter

	pollCycles    *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastSuccess   *prometheus.GaugeVec
}

// NewCollector registers all collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Collector{
		fetched:      counter("groups_fetched_total", "Posted groups fetched from the remote queue."),
		dispatched:   counter("groups_dispatched_total", "Posted groups dispatched successfully."),
		failed:       counter("groups_failed_total", "Posted groups whose dispatch failed, including dead letters."),
		deadLettered: counter("groups_dead_lettered_total", "Posted groups moved to the dead letter state."),
		skipped:      counter("groups_skipped_total", "Redelivered groups skipped because they were already terminal."),
		deferred:     counter("groups_deferred_total", "Redelivered groups not yet due for a local retry."),
		pollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by result.",
		}, []string{"result"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_refresh_total",
			Help:      "Reference refreshes by result (changed, unchanged, error).",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of poll cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run per task.",
		}, []string{"task"}),
	}
}

func (c *Collector) ObservePoll(res domain.PollResult, err error) {
	c.fetched.Add(float64(res.Fetched))
	c.dispatched.Add(float64(res.Dispatched))
	c.failed.Add(float64(res.Failed))
	c.deadLettered.Add(float64(res.DeadLettered))
	c.skipped.Add(float64(res.Skipped))
	c.deferred.Add(float64(res.Deferred))
	c.cycleDuration.Observe(res.Duration.Seconds())
	if err != nil {
		c.pollCycles.WithLabelValues("error").Inc()
		return
	}
	c.pollCycles.WithLabelValues("ok").Inc()
}

func (c *Collector) ObserveRefresh(res domain.RefreshResult, err error) {
	switch {
	case err != nil:
		c.refreshes.WithLabelValues("error").Inc()
	case res.Changed:
		c.refreshes.WithLabelValues("changed").Inc()
	default:
		c.refreshes.WithLabelValues("unchanged").Inc()
	}
}

// TaskSucceeded stamps the last success time of a scheduled task.
func (c *Collector) TaskSucceeded(task string, at time.Time) {
	c.lastSuccess.WithLabelValues(task).Set(float64(at.Unix()))
}
