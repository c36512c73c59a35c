// Package observability holds the Prometheus metrics of the extraction path.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// AttemptsTotal counts single-backend extraction attempts by outcome
	// ("success" or an error kind such as "provider" or "schema_violation").
	AttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "damageinspect",
		Subsystem: "extraction",
		Name:      "attempts_total",
		Help:      "Extraction attempts against a single backend, labeled by backend, provider and outcome.",
	}, []string{"backend", "provider", "outcome"})

	AttemptDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "damageinspect",
		Subsystem: "extraction",
		Name:      "duration_seconds",
		Help:      "Wall time of one extraction attempt, including the provider call.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"backend", "outcome"})

	FallbackExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "damageinspect",
		Name:      "fallback_exhausted_total",
		Help:      "Requests for which every backend of the chain failed.",
	})

	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "damageinspect",
		Name:      "detections_total",
		Help:      "Detections returned to callers, labeled by damage type code.",
	}, []string{"damage_type"})

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "damageinspect",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "damageinspect",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Pending inspection jobs observed by the worker (best-effort).",
	})
)

// Register registers the metrics with the default registry. Safe to call
// multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			AttemptsTotal,
			AttemptDurationSeconds,
			FallbackExhaustedTotal,
			DetectionsTotal,
			RateLimitedTotal,
			QueueDepth,
		)
	})
}

// ObserveAttempt records one finished attempt.
func ObserveAttempt(backend, provider, outcome string, elapsed time.Duration) {
	AttemptsTotal.WithLabelValues(backend, provider, outcome).Inc()
	AttemptDurationSeconds.WithLabelValues(backend, outcome).Observe(elapsed.Seconds())
}
