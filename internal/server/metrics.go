package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leapexplore_http_requests_total",
		Help: "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leapexplore_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leapexplore_sessions_active",
		Help: "Live exploration sessions.",
	})

	sessionsEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leapexplore_sessions_evicted_total",
		Help: "Sessions closed before shutdown, by reason (idle or capacity).",
	}, []string{"reason"})

	modelReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leapexplore_model_reloads_total",
		Help: "Model reloads by result.",
	}, []string{"result"})
)
