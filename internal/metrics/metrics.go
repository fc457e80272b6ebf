package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	queueEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratesync",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Number of push-queue jobs enqueued or replaced.",
		}, []string{"action"},
	)
	queueDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratesync",
			Subsystem: "queue",
			Name:      "drained_total",
			Help:      "Number of drained jobs by terminal outcome.",
		}, []string{"action", "outcome"},
	)
	remoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratesync",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Number of remote API calls by operation and outcome.",
		}, []string{"op", "outcome"},
	)
	remoteRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratesync",
			Subsystem: "remote",
			Name:      "retries_total",
			Help:      "Number of retried request attempts.",
		}, []string{"op"},
	)
	rateWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cratesync",
			Subsystem: "rate",
			Name:      "wait_seconds",
			Help:      "Time spent suspended in the rate limiter before proceeding.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"},
	)
	rateQuotaExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratesync",
			Subsystem: "rate",
			Name:      "quota_exceeded_total",
			Help:      "Number of acquisitions refused because the daily cap was hit.",
		}, []string{"resource"},
	)
	fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratesync",
			Subsystem: "fetch",
			Name:      "assets_total",
			Help:      "Number of asset fetches by outcome.",
		}, []string{"outcome"},
	)
	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cratesync",
			Subsystem: "job",
			Name:      "running",
			Help:      "Background jobs currently running in this process.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{queueEnqueued, queueDrained, remoteRequests,
		remoteRetries, rateWait, rateQuotaExceeded, fetches, jobsRunning}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncEnqueued(action string) {
	if regOK.Load() {
		queueEnqueued.WithLabelValues(action).Inc()
	}
}

func IncDrained(action, outcome string) {
	if regOK.Load() {
		queueDrained.WithLabelValues(action, outcome).Inc()
	}
}

func IncRemoteRequest(op, outcome string) {
	if regOK.Load() {
		remoteRequests.WithLabelValues(op, outcome).Inc()
	}
}

func IncRemoteRetry(op string) {
	if regOK.Load() {
		remoteRetries.WithLabelValues(op).Inc()
	}
}

func ObserveRateWait(resource string, seconds float64) {
	if regOK.Load() {
		rateWait.WithLabelValues(resource).Observe(seconds)
	}
}

func IncQuotaExceeded(resource string) {
	if regOK.Load() {
		rateQuotaExceeded.WithLabelValues(resource).Inc()
	}
}

func IncFetch(outcome string) {
	if regOK.Load() {
		fetches.WithLabelValues(outcome).Inc()
	}
}

func AddJobsRunning(delta float64) {
	if regOK.Load() {
		jobsRunning.Add(delta)
	}
}
