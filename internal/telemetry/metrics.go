package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all services.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// Metrics groups per-component counters and histograms. Each service
// constructs the subset it needs and registers it via NewRegistry.
var (
	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "keymanager", Name: "rotations_total", Help: "Key rotation attempts by outcome."},
		[]string{"outcome"},
	)
	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "tokenservice", Name: "issued_total", Help: "Tokens issued by grant type."},
		[]string{"grant_type"},
	)
	TokenValidationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "tokenservice", Name: "validation_failures_total", Help: "Token validation failures by reason."},
		[]string{"reason"},
	)
	CapacityPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "strata", Subsystem: "capacity", Name: "poll_duration_seconds", Help: "Storage Element capacity poll latency.", Buckets: prometheus.DefBuckets},
		[]string{"element_id", "outcome"},
	)
	SelectorCandidatesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "selector", Name: "candidates_skipped_total", Help: "Candidates skipped by reason."},
		[]string{"reason"},
	)
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "upload", Name: "total", Help: "Uploads by outcome."},
		[]string{"outcome"},
	)
	FinalizeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "finalize", Name: "transitions_total", Help: "Finalize transaction status transitions."},
		[]string{"to_status"},
	)
	GCJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "gcworker", Name: "jobs_total", Help: "GC cleanup jobs by outcome."},
		[]string{"outcome"},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "eventbus", Name: "published_total", Help: "Events published by type."},
		[]string{"event_type"},
	)
	CacheSyncAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "cachesync", Name: "applied_total", Help: "Cache sync operations applied by event type."},
		[]string{"event_type"},
	)
	DownloadRangeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "strata", Subsystem: "download", Name: "range_requests_total", Help: "Download requests by range kind."},
		[]string{"kind"},
	)
)

// NewRegistry creates a Prometheus registry with Go/process collectors, the
// shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
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
