// Package metrics exposes scheduling counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the instruments the scheduler updates as runs move
// through the queue.
type Metrics struct {
	Registry *prometheus.Registry

	RunsSubmitted  prometheus.Counter
	RunsCompleted  *prometheus.CounterVec
	RunsRetried    prometheus.Counter
	QueueDepth     prometheus.Gauge
	RunningRuns    prometheus.Gauge
	WaitSeconds    prometheus.Histogram
	RunSeconds     prometheus.Histogram
	ChunksEmitted  prometheus.Counter
	StoreFailures  prometheus.Counter
	DedupHits      prometheus.Counter
	DedupTokens    prometheus.Counter
}

// New creates and registers the scheduler metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RunsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentq",
			Name:      "runs_submitted_total",
			Help:      "Runs accepted into the queue.",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentq",
			Name:      "runs_completed_total",
			Help:      "Runs that reached a terminal state, by state.",
		}, []string{"state"}),
		RunsRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentq",
			Name:      "runs_retried_total",
			Help:      "Retry children created from failed runs.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentq",
			Name:      "queue_depth",
			Help:      "Runs currently waiting in the priority queue.",
		}),
		RunningRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentq",
			Name:      "running_runs",
			Help:      "Runs currently executing.",
		}),
		WaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentq",
			Name:      "run_wait_seconds",
			Help:      "Time runs spend queued before dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		RunSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentq",
			Name:      "run_duration_seconds",
			Help:      "Executor wall time per run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		ChunksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentq",
			Name:      "stream_chunks_emitted_total",
			Help:      "Output chunks fanned out on the stream bus.",
		}),
		StoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentq",
			Name:      "store_failures_total",
			Help:      "Persistence operations that failed.",
		}),
		DedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentq",
			Name:      "dedup_hits_total",
			Help:      "Duplicate content payloads suppressed.",
		}),
		DedupTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentq",
			Name:      "dedup_tokens_saved_total",
			Help:      "Estimated tokens saved by deduplication.",
		}),
	}
}
