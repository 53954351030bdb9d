// Package metrics exports run telemetry to Prometheus. The collector only
// reads the event bus; nothing in the execution path depends on it.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/graphrun/internal/events"
)

// Collector holds the graphrun metrics.
type Collector struct {
	WorkspaceAcquires *prometheus.CounterVec
	WorkspaceReleases *prometheus.CounterVec
	WorkspaceWait     prometheus.Histogram
	WorkspaceHold     prometheus.Histogram
	WorkspacesActive  prometheus.Gauge

	Tasks        *prometheus.CounterVec
	TaskRetries  prometheus.Counter
	TaskDuration *prometheus.HistogramVec

	Runs        *prometheus.CounterVec
	EventsDrops prometheus.GaugeFunc
}

// NewCollector registers the metrics with registry. bus may be nil; when
// set, its dropped-delivery count is exported too.
func NewCollector(registry prometheus.Registerer, bus *events.EventBus) *Collector {
	factory := promauto.With(registry)

	c := &Collector{
		WorkspaceAcquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphrun_workspace_acquires_total",
				Help: "Workspaces granted to tasks",
			},
			[]string{"slot"},
		),
		WorkspaceReleases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphrun_workspace_releases_total",
				Help: "Workspaces returned to the pool",
			},
			[]string{"recycled", "error"},
		),
		WorkspaceWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "graphrun_workspace_wait_seconds",
				Help:    "Time spent blocked waiting for a workspace slot",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		WorkspaceHold: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "graphrun_workspace_hold_seconds",
				Help:    "Time a workspace stayed owned by one task",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
			},
		),
		WorkspacesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "graphrun_workspaces_active",
				Help: "Workspaces currently owned by a task",
			},
		),
		Tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphrun_tasks_total",
				Help: "Tasks that reached a terminal status",
			},
			[]string{"status"},
		),
		TaskRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "graphrun_task_retries_total",
				Help: "Failed attempts that were scheduled for another try",
			},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graphrun_task_duration_seconds",
				Help:    "Wall time of terminal tasks across all attempts",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"status"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphrun_runs_total",
				Help: "Finished runs by overall status",
			},
			[]string{"status", "degraded"},
		),
	}
	if bus != nil {
		c.EventsDrops = factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "graphrun_event_drops",
				Help: "Event deliveries skipped because a subscriber fell behind",
			},
			func() float64 { return float64(bus.Dropped()) },
		)
	}
	return c
}

// Observe folds one event into the metrics.
func (c *Collector) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.WorkspaceAcquiredEvent:
		c.WorkspaceAcquires.WithLabelValues(strconv.Itoa(ev.Slot)).Inc()
		c.WorkspaceWait.Observe(ev.Wait.Seconds())
		c.WorkspacesActive.Inc()
	case events.WorkspaceReleasedEvent:
		c.WorkspaceReleases.WithLabelValues(boolLabel(ev.Recycled), boolLabel(ev.Err != "")).Inc()
		c.WorkspaceHold.Observe(ev.Held.Seconds())
		c.WorkspacesActive.Dec()
	case events.TaskRetryingEvent:
		c.TaskRetries.Inc()
	case events.TaskCompletedEvent:
		c.Tasks.WithLabelValues("completed").Inc()
		c.TaskDuration.WithLabelValues("completed").Observe(ev.Duration.Seconds())
	case events.TaskFailedEvent:
		c.Tasks.WithLabelValues("failed").Inc()
		c.TaskDuration.WithLabelValues("failed").Observe(ev.Duration.Seconds())
	case events.TaskSkippedEvent:
		c.Tasks.WithLabelValues("skipped").Inc()
	case events.RunFinishedEvent:
		c.Runs.WithLabelValues(ev.Status, boolLabel(ev.Degraded)).Inc()
	}
}

// Run consumes ch until it is closed or ctx ends.
func (c *Collector) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		case <-ctx.Done():
			return
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
