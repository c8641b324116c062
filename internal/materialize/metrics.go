package materialize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leapexplore_materialize_fetches_total",
		Help: "Table fetches started against the table store",
	})

	fetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leapexplore_materialize_fetch_failures_total",
		Help: "Table fetches that did not register a table, by kind",
	}, []string{"kind"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leapexplore_materialize_fetch_duration_seconds",
		Help:    "Time to fetch and register one table",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leapexplore_materialize_cache_hits_total",
		Help: "Table lookups satisfied without fetching",
	})

	joinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leapexplore_materialize_joined_fetches_total",
		Help: "Callers that joined a fetch already in flight",
	})
)
