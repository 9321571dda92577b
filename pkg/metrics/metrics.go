// Package metrics exports orchestrator activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/sniper/pkg/core"
)

const namespace = "sniper"

// EventSource is a subscribable stream of orchestrator events.
type EventSource interface {
	Events() <-chan core.Event
	Unsubscribe(ch <-chan core.Event)
}

// Collector turns events into metrics on its own registry.
type Collector struct {
	registry       *prometheus.Registry
	jobsStarted    *prometheus.CounterVec
	jobsRequeued   *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	itemsProcessed *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	authRequired   prometheus.Counter
}

// New creates a Collector with Go runtime and process metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs claimed by a worker.",
		}, []string{"type"}),
		jobsRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Jobs put back in the queue, by reason.",
		}, []string{"reason"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a final status or stopped for re-authentication.",
		}, []string{"type", "status"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Item outcomes, by action and status.",
		}, []string{"action", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from a job's first start to its notification.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}, []string{"type"}),
		authRequired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_required_total",
			Help:      "Jobs stopped because the LinkedIn session needs re-authentication.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsStarted,
		c.jobsRequeued,
		c.jobsFinished,
		c.itemsProcessed,
		c.jobDuration,
		c.authRequired,
	)
	return c
}

// Registry returns the registry metrics are recorded on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Observe records one event.
func (c *Collector) Observe(e core.Event) {
	switch ev := e.(type) {
	case *core.JobStarted:
		c.jobsStarted.WithLabelValues(string(ev.Job.Type)).Inc()
	case *core.JobRequeued:
		c.jobsRequeued.WithLabelValues(reasonLabel(ev.Reason)).Inc()
	case *core.ItemProcessed:
		c.itemsProcessed.WithLabelValues(string(ev.Item.Action), string(ev.Status)).Inc()
	case *core.JobFinished:
		c.jobsFinished.WithLabelValues(string(ev.JobType), string(ev.Status)).Inc()
		if ev.Duration > 0 {
			c.jobDuration.WithLabelValues(string(ev.JobType)).Observe(ev.Duration.Seconds())
		}
		if ev.AuthRequired {
			c.authRequired.Inc()
		}
	}
}

// Run subscribes to src and records events until ctx is done.
func (c *Collector) Run(ctx context.Context, src EventSource) error {
	ch := src.Events()
	defer src.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-ch:
			c.Observe(e)
		}
	}
}

// reasonLabel keeps the reason label to the known error codes.
func reasonLabel(reason string) string {
	switch reason {
	case core.CodeOutsideActiveHours, core.CodeConcurrency, core.CodeCooldown,
		core.CodeCooldownBlocked, core.CodeThrottledHourly, core.CodeThrottledDaily,
		core.CodeProviderError, core.CodeNeedsReauth, core.CodeAutomationDisabled:
		return reason
	case "":
		return "none"
	}
	return "other"
}
