package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CollectiveCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_collective_calls_total",
		Help: "Total number of collective operations issued, by op",
	}, []string{"op"})

	CollectiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_collective_bytes_total",
		Help: "Total payload bytes moved through collectives, by op",
	}, []string{"op"})

	CollectiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "volley_collective_duration_seconds",
		Help:    "Wall time spent inside collective operations, by op",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	CollectiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_collective_errors_total",
		Help: "Total collective transport failures, by op",
	}, []string{"op"})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "volley_forward_duration_seconds",
		Help:    "Forward pass latency per sharded layer type",
		Buckets: prometheus.DefBuckets,
	}, []string{"layer"})

	ShardInitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_shard_init_duration_seconds",
		Help:    "Time spent building master weights and slicing shards",
		Buckets: prometheus.DefBuckets,
	})

	ShardElements = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_shard_elements",
		Help:    "Number of elements in locally owned weight shards",
		Buckets: []float64{1e2, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8},
	})

	MarginFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volley_margin_fallback_total",
		Help: "Margin positions that fell back to the additive form (cos below threshold)",
	})

	MarginAdjusted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volley_margin_adjusted_total",
		Help: "Total (sample, class) positions margin-adjusted on this rank",
	})
)

// RecordCollective records one completed collective operation
func RecordCollective(op string, bytes int, d time.Duration) {
	CollectiveCalls.WithLabelValues(op).Inc()
	CollectiveBytes.WithLabelValues(op).Add(float64(bytes))
	CollectiveDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordCollectiveError records a failed collective operation
func RecordCollectiveError(op string) {
	CollectiveErrors.WithLabelValues(op).Inc()
}

// RecordForward records the latency of one sharded layer forward pass
func RecordForward(layer string, d time.Duration) {
	ForwardDuration.WithLabelValues(layer).Observe(d.Seconds())
}

// RecordShardInit records shard construction time and size
func RecordShardInit(elements int, d time.Duration) {
	ShardInitDuration.Observe(d.Seconds())
	ShardElements.Observe(float64(elements))
}

// RecordMargin records margin adjustment counts for one forward pass
func RecordMargin(adjusted, fallback int) {
	if adjusted > 0 {
		MarginAdjusted.Add(float64(adjusted))
	}
	if fallback > 0 {
		MarginFallback.Add(float64(fallback))
	}
}
