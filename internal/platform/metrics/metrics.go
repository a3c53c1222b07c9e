package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the truth layer core.
type Metrics struct {
	ObservationsAppended *prometheus.CounterVec
	SnapshotsComputed    prometheus.Counter
	SnapshotComputeTime  prometheus.Histogram
	SnapshotCacheHits    prometheus.Counter
	SnapshotCacheMisses  prometheus.Counter
	EntitiesResolved     *prometheus.CounterVec
	Merges               prometheus.Counter
	MergeRejections      *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all metrics on the given registerer. Tests pass a fresh
// registry to avoid duplicate-registration panics across suites.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ObservationsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verity_observations_appended_total",
			Help: "Observations appended to the log, by subject kind.",
		}, []string{"kind"}),
		SnapshotsComputed: factory.NewCounter(prometheus.CounterOpts{
			Name: "verity_snapshots_computed_total",
			Help: "Snapshot reductions executed.",
		}),
		SnapshotComputeTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "verity_snapshot_compute_seconds",
			Help:    "Wall time of snapshot reductions.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		SnapshotCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "verity_snapshot_cache_hits_total",
			Help: "Snapshot reads served from cache.",
		}),
		SnapshotCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "verity_snapshot_cache_misses_total",
			Help: "Snapshot reads that required recomputation.",
		}),
		EntitiesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verity_entities_resolved_total",
			Help: "Resolve calls by outcome: created, existing, redirected.",
		}, []string{"outcome"}),
		Merges: factory.NewCounter(prometheus.CounterOpts{
			Name: "verity_entity_merges_total",
			Help: "Successful entity merges.",
		}),
		MergeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verity_entity_merge_rejections_total",
			Help: "Rejected merges by reason.",
		}, []string{"reason"}),
	}
}
