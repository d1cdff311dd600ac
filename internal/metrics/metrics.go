// Package metrics provides Prometheus instrumentation for the
// NeuraGrid coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuragrid_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neuragrid_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuragrid_connected_workers",
		Help: "Number of currently connected worker sessions.",
	})

	ConnectedObservers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuragrid_connected_observers",
		Help: "Number of currently connected observer sessions.",
	})

	FramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuragrid_frames_dropped_total",
		Help: "Outbound frames dropped because a session queue was full or closed.",
	}, []string{"kind"})
)

// Job metrics.
var (
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuragrid_jobs_submitted_total",
		Help: "Total number of jobs accepted by the intake endpoint.",
	})

	JobsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuragrid_jobs_dispatched_total",
		Help: "Total number of jobs handed to a worker.",
	})

	JobsReportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuragrid_jobs_reported_total",
		Help: "Total number of worker-reported job outcomes.",
	}, []string{"result"})

	DispatchSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuragrid_dispatch_sweeps_total",
		Help: "Total number of dispatcher sweeps.",
	})
)
