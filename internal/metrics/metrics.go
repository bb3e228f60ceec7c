// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "personasurvey"

// Task outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Metrics owns a private registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tasks         *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	queueDepth    prometheus.Gauge
	runsStarted   *prometheus.CounterVec
	runsCollected *prometheus.CounterVec
	collectErrors prometheus.Counter
	stalledRuns   prometheus.Gauge
	tokens        prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_tasks_total",
			Help:      "Inference task attempts by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_task_duration_seconds",
			Help:      "Wall time of a single inference attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending_tasks",
			Help:      "Tasks scattered but not yet settled.",
		}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "StartRun calls by result.",
		}, []string{"result"}),
		runsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_collected_total",
			Help:      "Runs persisted by the collector, by final state.",
		}, []string{"state"}),
		collectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_errors_total",
			Help:      "Collector transactions rolled back.",
		}),
		stalledRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stalled_runs",
			Help:      "Running runs past the stall threshold at the last sweep.",
		}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens reported by the model provider.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasks, m.taskDuration, m.queueDepth,
		m.runsStarted, m.runsCollected, m.collectErrors,
		m.stalledRuns, m.tokens,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TaskAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
	m.taskDuration.Observe(d.Seconds())
}

func (m *Metrics) QueueAdd(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(n))
}

func (m *Metrics) RunStarted(result string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(result).Inc()
}

func (m *Metrics) RunCollected(state string) {
	if m == nil {
		return
	}
	m.runsCollected.WithLabelValues(state).Inc()
}

func (m *Metrics) CollectError() {
	if m == nil {
		return
	}
	m.collectErrors.Inc()
}

func (m *Metrics) SetStalledRuns(n int) {
	if m == nil {
		return
	}
	m.stalledRuns.Set(float64(n))
}

func (m *Metrics) AddTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.Add(float64(n))
}
