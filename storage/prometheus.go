package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		PromGCDurationMilliseconds,
		PromInfohashesCount,
		PromSeedersCount,
		PromLeechersCount,
		PromRecountDriftTotal,
	)
}

var (
	// PromGCDurationMilliseconds is a histogram used by the storage to record
	// the durations of execution time required for removing expired peers.
	PromGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_storage_gc_duration_milliseconds",
		Help:    "The time it takes to perform storage garbage collection",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	// PromInfohashesCount is a gauge used to hold the current total amount of
	// unique swarms being tracked by a storage.
	PromInfohashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_storage_infohashes_count",
		Help: "The number of Infohashes tracked",
	})

	// PromSeedersCount is a gauge used to hold the current total amount of
	// seeders across all swarms.
	PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_storage_seeders_count",
		Help: "The number of seeders tracked",
	})

	// PromLeechersCount is a gauge used to hold the current total amount of
	// leechers across all swarms.
	PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_storage_leechers_count",
		Help: "The number of leechers tracked",
	})

	// PromRecountDriftTotal counts swarms whose counters were corrected by a
	// recount.
	PromRecountDriftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_storage_recount_drift_total",
		Help: "The number of swarms whose counters disagreed with their rows",
	})
)

// RecordGCDuration records the duration of a GC sweep.
func RecordGCDuration(duration time.Duration) {
	PromGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// RecordTransition updates the gauges after a swarm changed.
func RecordTransition(t Transition) {
	PromSeedersCount.Add(float64(t.SeedersDelta))
	PromLeechersCount.Add(float64(t.LeechersDelta))
}
