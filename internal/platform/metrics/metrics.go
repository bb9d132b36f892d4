// Package metrics exposes the prometheus collectors for the request path
// and the database batch primitive.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aim_sync",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aim_sync",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	BatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aim_sync",
		Name:      "db_batch_total",
		Help:      "Batch transactions by outcome (commit or rollback).",
	}, []string{"outcome"})

	OPKConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aim_sync",
		Name:      "opk_consumed_total",
		Help:      "One-time prekeys handed out by bundle fetches.",
	})

	OPKPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aim_sync",
		Name:      "opk_published_total",
		Help:      "One-time prekeys accepted by publish.",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aim_sync",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the admission rate limiter.",
	})
)
