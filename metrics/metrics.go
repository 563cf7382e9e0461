package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rawRowsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_scout_raw_rows_total",
		Help: "Rows read from sources before normalization",
	}, []string{"source"})

	normalizedRowsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_scout_normalized_rows_total",
		Help: "Rows that survived normalization",
	}, []string{"source"})

	insertedRowsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_scout_inserted_rows_total",
		Help: "Rows newly inserted into the store",
	})

	errorCountMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_scout_errors_total",
		Help: "Run-aborting errors by kind",
	}, []string{"kind"})

	// Internal counters
	runs         uint64
	failedRuns   uint64
	lastRunNanos atomic.Int64
	startTime    = time.Now()
)

// RecordSource counts one source's raw and normalized rows.
func RecordSource(source string, raw, normalized int) {
	rawRowsMetric.WithLabelValues(source).Add(float64(raw))
	normalizedRowsMetric.WithLabelValues(source).Add(float64(normalized))
}

func RecordInserted(n int64) {
	insertedRowsMetric.Add(float64(n))
}

// RecordRun marks the end of an ingest run.
func RecordRun(err error) {
	atomic.AddUint64(&runs, 1)
	if err != nil {
		atomic.AddUint64(&failedRuns, 1)
	}
	lastRunNanos.Store(time.Now().UnixNano())
}

func IncrementErrors(kind string) {
	errorCountMetric.WithLabelValues(kind).Inc()
}

// GetStats returns runs, failed runs, time of the last run and uptime.
func GetStats() (uint64, uint64, time.Time, time.Duration) {
	var last time.Time
	if n := lastRunNanos.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return atomic.LoadUint64(&runs),
		atomic.LoadUint64(&failedRuns),
		last,
		time.Since(startTime)
}
