// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ProcessedMessages  prometheus.Counter
	SkippedMessages    *prometheus.CounterVec
	DecodeErrors       prometheus.Counter
	HandleLatency      prometheus.Histogram
	BatchFlushes       *prometheus.CounterVec
	BatchSize          prometheus.Histogram
	Commits            prometheus.Counter
	CommittedOffsets   prometheus.Counter
	DedupHits          prometheus.Counter
	AssignedPartitions prometheus.Gauge
)

// Register initializes and registers all metrics exactly once.
// If r == nil, uses prometheus.DefaultRegisterer; duplicate registrations are ignored.
func Register(r prometheus.Registerer) {
	once.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}

		ProcessedMessages = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subconsumer", Subsystem: "processor", Name: "processed_messages_total",
			Help: "Total number of subscription-result messages processed",
		})
		SkippedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subconsumer", Subsystem: "processor", Name: "skipped_messages_total",
			Help: "Messages dropped by the per-message failsafe, by reason",
		}, []string{"reason"})
		DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subconsumer", Subsystem: "processor", Name: "decode_errors_total",
			Help: "Payloads that failed codec validation",
		})
		HandleLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "subconsumer", Subsystem: "processor", Name: "handle_latency_seconds",
			Help:    "Latency of a single message dispatch (decode + handler)",
			Buckets: prometheus.DefBuckets,
		})
		BatchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subconsumer", Subsystem: "pipeline", Name: "batch_flushes_total",
			Help: "Batch flushes, by trigger (size|time|close)",
		}, []string{"trigger"})
		BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "subconsumer", Subsystem: "pipeline", Name: "batch_size",
			Help:    "Number of messages per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		})
		Commits = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subconsumer", Subsystem: "committer", Name: "commits_total",
			Help: "Offset commit rounds sent to the broker",
		})
		CommittedOffsets = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subconsumer", Subsystem: "committer", Name: "committed_offsets_total",
			Help: "Per-partition checkpoints advanced across all commit rounds",
		})
		DedupHits = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subconsumer", Subsystem: "dedup", Name: "duplicate_hits_total",
			Help: "Messages suppressed by the idempotency guard",
		})
		AssignedPartitions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "subconsumer", Subsystem: "consumer", Name: "assigned_partitions",
			Help: "Partitions currently assigned to this instance",
		})

		collectors := []prometheus.Collector{
			ProcessedMessages,
			SkippedMessages,
			DecodeErrors,
			HandleLatency,
			BatchFlushes,
			BatchSize,
			Commits,
			CommittedOffsets,
			DedupHits,
			AssignedPartitions,
		}
		for _, c := range collectors {
			if err := r.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}
