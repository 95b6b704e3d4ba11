// Package metrics turns event bus traffic into Prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/notifier"
	"postpilot/internal/task/engine"
)

type Metrics struct {
	// Labels: result (ok, error)
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	PostsSelected prometheus.Counter
	// Labels: outcome (posted, failed), kind
	Posts *prometheus.CounterVec
	// Labels: task, result (finished, failed, skipped, dropped)
	Tasks *prometheus.CounterVec
	// Labels: result (queued, sent, failed, dropped)
	Alerts *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers every collector on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postpilot_dispatch_cycles_total",
			Help: "Dispatch cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postpilot_dispatch_cycle_duration_seconds",
			Help:    "Wall time of one dispatch cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PostsSelected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postpilot_dispatch_posts_selected_total",
			Help: "Due posts picked up by dispatch cycles.",
		}),
		Posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postpilot_posts_total",
			Help: "Processed posts by outcome and failure kind.",
		}, []string{"outcome", "kind"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postpilot_task_runs_total",
			Help: "Task engine runs by task and result.",
		}, []string{"task", "result"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postpilot_alerts_total",
			Help: "Failure alerts by delivery result.",
		}, []string{"result"}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.Cycles, m.CycleDuration, m.PostsSelected, m.Posts, m.Tasks, m.Alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Prefixes lists the event types Observe understands.
var Prefixes = []string{"dispatch.", "post.", "task.", "notifier."}

// Run feeds bus events into the collectors until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, Prefixes...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case dispatch.EventCycle:
		rep, ok := ev.Data.(dispatch.CycleReport)
		if !ok {
			return
		}
		result := "ok"
		if rep.Error != "" {
			result = "error"
		}
		m.Cycles.WithLabelValues(result).Inc()
		m.CycleDuration.Observe(rep.Duration.Seconds())
		m.PostsSelected.Add(float64(rep.Selected))
	case dispatch.EventPosted:
		m.Posts.WithLabelValues("posted", "").Inc()
	case dispatch.EventFailed:
		pe, _ := ev.Data.(dispatch.PostEvent)
		m.Posts.WithLabelValues("failed", pe.Kind).Inc()
	case engine.EventFinished, engine.EventFailed, engine.EventSkipped, engine.EventDropped:
		te, _ := ev.Data.(engine.TaskEvent)
		m.Tasks.WithLabelValues(te.Name, taskResult(ev.Type)).Inc()
	case notifier.EventQueued:
		m.Alerts.WithLabelValues("queued").Inc()
	case notifier.EventSent:
		m.Alerts.WithLabelValues("sent").Inc()
	case notifier.EventFailed:
		m.Alerts.WithLabelValues("failed").Inc()
	case notifier.EventDropped:
		m.Alerts.WithLabelValues("dropped").Inc()
	}
}

func taskResult(typ string) string {
	switch typ {
	case engine.EventFinished:
		return "finished"
	case engine.EventFailed:
		return "failed"
	case engine.EventSkipped:
		return "skipped"
	default:
		return "dropped"
	}
}
