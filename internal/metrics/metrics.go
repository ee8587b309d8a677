package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all roaming hub metrics
const namespace = "roaming"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Party registry metrics

// PartiesTotal tracks known parties by role and status
var PartiesTotal = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "parties",
		Help:      "Number of known parties",
	},
	[]string{"role", "status"},
)

// RateLimited counts requests rejected by the rate limiter
var RateLimited = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Total number of requests rejected by the rate limiter",
	},
	[]string{"tier"},
)

// InboundAuthTotal counts evaluations of inbound credentials
var InboundAuthTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_auth_total",
		Help:      "Total number of inbound credential evaluations",
	},
	[]string{"outcome", "reason"},
)

// Registration metrics

// HandshakeStepsTotal counts registration handshake steps by result
var HandshakeStepsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_steps_total",
		Help:      "Total number of registration handshake steps",
	},
	[]string{"step", "result"}, // step: versions|version_detail|credentials, result: success|error
)

// Authorization metrics

// AuthorizationsTotal counts federated authorization outcomes
var AuthorizationsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorizations_total",
		Help:      "Total number of federated authorization requests by outcome",
	},
	[]string{"operation", "outcome"}, // operation: start|stop
)

// AuthorizationDuration records how long a federated authorization took
var AuthorizationDuration = promauto.With(Registry).NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "authorization_duration_seconds",
		Help:      "Federated authorization race duration in seconds",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	},
)

// AuthorizationCandidates records how many peers took part in a race
var AuthorizationCandidates = promauto.With(Registry).NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "authorization_candidates",
		Help:      "Number of online peers asked per federated authorization",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	},
)

// Push metrics

// PushResultsTotal counts outbound mutation results
var PushResultsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_results_total",
		Help:      "Total number of outbound push operations by result",
	},
	[]string{"kind", "status"},
)

// PushQueueDepth tracks deliveries waiting for the next flush
var PushQueueDepth = promauto.With(Registry).NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_queue_depth",
		Help:      "Number of queued deliveries waiting for flush",
	},
)

// FlushDeliveriesTotal counts delivery attempts made by flush
var FlushDeliveriesTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_deliveries_total",
		Help:      "Total number of delivery attempts made during flush",
	},
	[]string{"result"}, // result: delivered|requeued|dropped
)

// Init initializes the metrics registry and sets version information
func Init(version, commit, buildDate string) {
	// Register default Go metrics (memory, goroutines, GC, etc.)
	Registry.MustRegister(collectors.NewGoCollector())

	// Register process metrics (CPU, memory, file descriptors)
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
