package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream fetch latency, by source kind
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_scout_fetch_duration_seconds",
		Help:    "Time taken to fetch raw data from a source",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})

	// Store latency, by operation
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_scout_store_query_duration_seconds",
		Help:    "Time taken for store operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"driver", "operation"})

	// Dashboard request latency
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_scout_request_duration_seconds",
		Help:    "Time taken to serve dashboard requests",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route"})

	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_scout_write_batch_size",
		Help: "Number of rows in the last write batch",
	})
)
