package pdtmatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pdtmatch",
		Subsystem: "engine",
		Name:      "operation_duration_seconds",
		Help:      "Engine operation latency by operation name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdtmatch",
		Subsystem: "engine",
		Name:      "cache_requests_total",
		Help:      "Cacheable operation lookups by operation name and result.",
	}, []string{"operation", "result"})
)

func observeOp(op string, seconds float64, cacheHit bool) {
	opDuration.WithLabelValues(op).Observe(seconds)
	result := "miss"
	if cacheHit {
		result = "hit"
	}
	cacheRequests.WithLabelValues(op, result).Inc()
}
