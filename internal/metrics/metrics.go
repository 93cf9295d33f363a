// Package metrics holds the Prometheus collectors for the consumer pool, the
// workers and the embedded broker's storage.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for processed messages.
const (
	OutcomeAck      = "ack"
	OutcomeRetry    = "retry"
	OutcomeDrop     = "drop"
	OutcomeError    = "error"
	OutcomeRollback = "rollback"
)

// Metrics holds Prometheus collectors.
type Metrics struct {
	PoolSize      prometheus.Gauge
	Spawns        prometheus.Counter
	SpawnFailures prometheus.Counter
	QueueDepth    prometheus.Gauge
	ProbeFailures prometheus.Counter
	Messages      *prometheus.CounterVec
	HandleLatency prometheus.Histogram
	RetryWait     prometheus.Histogram
	StorageOps    *prometheus.HistogramVec
	StorageBytes  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors under namespace and registers them with reg.
// A nil reg uses a fresh registry, which keeps tests independent.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Current number of workers in the pool",
		}),
		Spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "spawns_total",
			Help:      "Workers started by the controller",
		}),
		SpawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "spawn_failures_total",
			Help:      "Workers that failed to start",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Last observed backlog of the source queue",
		}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "probe_failures_total",
			Help:      "Failed queue depth probes",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Messages processed, by outcome",
		}, []string{"outcome"}),
		HandleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "handle_seconds",
			Help:      "Handler latency",
			Buckets:   prometheus.DefBuckets,
		}),
		RetryWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "retry_wait_seconds",
			Help:      "Scheduled delay of resent messages",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		StorageOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "op_seconds",
			Help:      "Pebble operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"op"}),
		StorageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes_total",
			Help:      "Bytes read from and written to Pebble",
		}, []string{"op"}),
		gatherer: gatherer,
	}
	reg.MustRegister(
		m.PoolSize,
		m.Spawns,
		m.SpawnFailures,
		m.QueueDepth,
		m.ProbeFailures,
		m.Messages,
		m.HandleLatency,
		m.RetryWait,
		m.StorageOps,
		m.StorageBytes,
	)
	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SetPoolSize(n int) {
	if m != nil {
		m.PoolSize.Set(float64(n))
	}
}

func (m *Metrics) Spawned() {
	if m != nil {
		m.Spawns.Inc()
	}
}

func (m *Metrics) SpawnFailed() {
	if m != nil {
		m.SpawnFailures.Inc()
	}
}

func (m *Metrics) SetDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) ProbeFailed() {
	if m != nil {
		m.ProbeFailures.Inc()
	}
}

// Processed records one message outcome and how long the handler took.
func (m *Metrics) Processed(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(outcome).Inc()
	m.HandleLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) Retried(wait time.Duration) {
	if m != nil {
		m.RetryWait.Observe(wait.Seconds())
	}
}
