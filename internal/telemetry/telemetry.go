// Package telemetry builds the Prometheus metrics this edge node exposes,
// grouped by subsystem the same way the rest of this repository's
// soulteary-kit-backed packages do.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	metrics "github.com/soulteary/metrics-kit"
)

// Metrics holds every metric ProxyEngine and its collaborators record
// against, registered with the process's Prometheus registry at startup.
type Metrics struct {
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheSkips      prometheus.Counter
	CacheItemCount  prometheus.Gauge
	CacheSizeBytes  prometheus.Gauge
	CacheEvictions  *prometheus.CounterVec

	RouteResolutions *prometheus.CounterVec
	RouteNotFound    prometheus.Counter

	FileResolveProbes   *prometheus.CounterVec
	FileResolveDuration *prometheus.HistogramVec

	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	TransformDuration *prometheus.HistogramVec
	TransformErrors   *prometheus.CounterVec

	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	AdminAuthFailures  prometheus.Counter
	AdminRateLimited   prometheus.Counter
}

// New builds and registers the full metric set under registry, mirroring
// the subsystem-scoped builder pattern (Registry.WithSubsystem(...).
// Counter(...).Help(...).Labels(...).Build()) used elsewhere in this
// module for metrics-kit-backed collectors.
func New(registry *metrics.Registry) *Metrics {
	cacheReg := registry.WithSubsystem("cache")
	routeReg := registry.WithSubsystem("route")
	fileReg := registry.WithSubsystem("file_resolve")
	cbReg := registry.WithSubsystem("circuit_breaker")
	transformReg := registry.WithSubsystem("transform")
	upstreamReg := registry.WithSubsystem("upstream")
	reqReg := registry.WithSubsystem("request")
	adminReg := registry.WithSubsystem("admin")

	return &Metrics{
		CacheHits: cacheReg.Counter("hits_total").
			Help("Total number of response cache hits").
			Labels("backend").
			BuildVec(),
		CacheMisses: cacheReg.Counter("misses_total").
			Help("Total number of response cache misses").
			Labels("backend").
			BuildVec(),
		CacheSkips: cacheReg.Counter("skips_total").
			Help("Total number of requests that bypassed the cache").
			Build(),
		CacheItemCount: cacheReg.Gauge("items").
			Help("Current number of entries held in the response cache").
			Build(),
		CacheSizeBytes: cacheReg.Gauge("bytes").
			Help("Current estimated byte size of the response cache").
			Build(),
		CacheEvictions: cacheReg.Counter("evictions_total").
			Help("Total number of response cache evictions").
			Labels("reason").
			BuildVec(),

		RouteResolutions: routeReg.Counter("resolutions_total").
			Help("Total number of route resolutions by outcome").
			Labels("matched").
			BuildVec(),
		RouteNotFound: routeReg.Counter("not_found_total").
			Help("Total number of requests with no matching route").
			Build(),

		FileResolveProbes: fileReg.Counter("probes_total").
			Help("Total number of extensionless path resolution probes").
			Labels("outcome").
			BuildVec(),
		FileResolveDuration: fileReg.Histogram("duration_seconds").
			Help("Time spent resolving an extensionless path").
			Labels("backend").
			Buckets(prometheus.DefBuckets).
			BuildVec(),

		CircuitBreakerState: cbReg.Gauge("state").
			Help("Current circuit breaker state per backend (0=closed,1=half-open,2=open)").
			Labels("backend").
			BuildVec(),
		CircuitBreakerTrips: cbReg.Counter("trips_total").
			Help("Total number of times a backend circuit tripped open").
			Labels("backend").
			BuildVec(),

		TransformDuration: transformReg.Histogram("duration_seconds").
			Help("Time spent in the transform pipeline").
			Labels("stage").
			Buckets(prometheus.DefBuckets).
			BuildVec(),
		TransformErrors: transformReg.Counter("errors_total").
			Help("Total number of transform pipeline errors").
			Labels("stage").
			BuildVec(),

		UpstreamDuration: upstreamReg.Histogram("duration_seconds").
			Help("Time spent fetching from an upstream backend").
			Labels("backend").
			Buckets(prometheus.DefBuckets).
			BuildVec(),
		UpstreamErrors: upstreamReg.Counter("errors_total").
			Help("Total number of upstream fetch errors").
			Labels("backend").
			BuildVec(),

		RequestDuration: reqReg.Histogram("duration_seconds").
			Help("End-to-end request duration").
			Labels("status").
			Buckets(prometheus.DefBuckets).
			BuildVec(),
		ActiveRequests: reqReg.Gauge("active").
			Help("Number of requests currently being served").
			Build(),

		AdminAuthFailures: adminReg.Counter("auth_failures_total").
			Help("Total number of rejected admin surface requests due to bad credentials").
			Build(),
		AdminRateLimited: adminReg.Counter("rate_limited_total").
			Help("Total number of admin surface requests rejected by the rate limiter").
			Build(),
	}
}

// ObserveDuration is a small helper for the common start := time.Now(); ...;
// telemetry.ObserveDuration(hist, start) pattern used around upstream fetches
// and transform stages.
func ObserveDuration(hist prometheus.Observer, start time.Time) {
	hist.Observe(time.Since(start).Seconds())
}
