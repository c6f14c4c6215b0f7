package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for every mounted router.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "anthrogate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// RateLimitDecisionsTotal counts admission decisions made by the per-tenant
// token bucket, labeled by outcome.
var RateLimitDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anthrogate",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Total number of rate-limit admission decisions.",
	},
	[]string{"outcome"},
)

// CacheOperationsTotal counts cache operations performed by the read-through
// cache, labeled by operation and result.
var CacheOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anthrogate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Total number of cache operations, by op and result.",
	},
	[]string{"op", "result"},
)

// UpstreamRequestsTotal counts upstream dispatch attempts, labeled by
// streaming mode and outcome.
var UpstreamRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anthrogate",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Total number of upstream requests dispatched.",
	},
	[]string{"stream", "outcome"},
)

// UpstreamPoolSize reports the current number of decrypted upstream
// credentials held by the pool.
var UpstreamPoolSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "anthrogate",
		Subsystem: "upstream",
		Name:      "pool_size",
		Help:      "Current number of upstream credentials in the pool.",
	},
)

// All returns the gateway-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RateLimitDecisionsTotal,
		CacheOperationsTotal,
		UpstreamRequestsTotal,
		UpstreamPoolSize,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
