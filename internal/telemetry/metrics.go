package telemetry

import "github.com/prometheus/client_golang/prometheus"

// --- pkg/lease ---

var LeaseAcquisitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "lease",
		Name:      "acquisitions_total",
		Help:      "Total number of lease acquisition attempts by outcome.",
	},
	[]string{"outcome"}, // acquired, busy, stolen, error
)

var LeaseHeartbeatsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "lease",
		Name:      "heartbeats_total",
		Help:      "Total number of successful lease heartbeat renewals.",
	},
)

var LeaseLostTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "lease",
		Name:      "lost_total",
		Help:      "Total number of times a held lease was lost to another owner.",
	},
)

// --- pkg/dispatcher ---

var DispatcherBatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "dispatcher",
		Name:      "batches_total",
		Help:      "Total number of dispatcher runs by terminal state.",
	},
	[]string{"state"}, // finalize, precheck_skip, governor_throttle, error
)

var DispatcherTargetsDispatchedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "dispatcher",
		Name:      "targets_dispatched_total",
		Help:      "Total number of targets handed to a probe run.",
	},
)

var DispatcherRunDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "securescan",
		Subsystem: "dispatcher",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of a full dispatcher run.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	},
)

// --- pkg/probe ---

var ProbeOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "probe",
		Name:      "outcomes_total",
		Help:      "Total number of probe executions by probe name and outcome.",
	},
	[]string{"probe", "outcome"}, // passed, failed, error, skipped, timeout, failed_inverted
)

var ProbeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "securescan",
		Subsystem: "probe",
		Name:      "duration_seconds",
		Help:      "Probe execution duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"probe"},
)

// --- pkg/retry ---

var RetriesScheduledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "retry",
		Name:      "scheduled_total",
		Help:      "Total number of retries scheduled by error category.",
	},
	[]string{"category"},
)

var RetriesExhaustedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Total number of target executions that gave up after exhausting retries.",
	},
)

// --- pkg/governor ---

var GovernorMetricLevel = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "securescan",
		Subsystem: "governor",
		Name:      "metric_level",
		Help:      "Current level (0=normal,1=warning,2=critical,3=throttle) per sampled resource metric.",
	},
	[]string{"metric"},
)

var GovernorThrottleActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "securescan",
		Subsystem: "governor",
		Name:      "throttle_active",
		Help:      "1 if the dispatcher is currently throttled by the resource governor, else 0.",
	},
)

var GovernorAlertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "governor",
		Name:      "alerts_total",
		Help:      "Total number of debounced governor alerts raised by metric and level.",
	},
	[]string{"metric", "level"},
)

// --- pkg/escalation ---

var EscalationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "escalation",
		Name:      "total",
		Help:      "Total number of escalations raised by level.",
	},
	[]string{"level"},
)

// --- pkg/notify ---

var NotificationsSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total number of notification delivery attempts by channel and outcome.",
	},
	[]string{"channel", "outcome"}, // sent, failed, rate_limited, muted
)

var NotificationRetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "notify",
		Name:      "retries_total",
		Help:      "Total number of notification delivery retries.",
	},
)

// --- pkg/queue ---

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "securescan",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of jobs currently in the queue by status.",
	},
	[]string{"status"}, // pending, processing, dead_letter
)

var QueueJobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securescan",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Total number of queue jobs processed by outcome.",
	},
	[]string{"outcome"}, // done, failed, dead, requeued
)

// --- internal/httpserver ---

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "securescan",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// All returns every securescan metric for registration with a prometheus
// registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		LeaseAcquisitionsTotal,
		LeaseHeartbeatsTotal,
		LeaseLostTotal,
		DispatcherBatchesTotal,
		DispatcherTargetsDispatchedTotal,
		DispatcherRunDuration,
		ProbeOutcomesTotal,
		ProbeDuration,
		RetriesScheduledTotal,
		RetriesExhaustedTotal,
		GovernorMetricLevel,
		GovernorThrottleActive,
		GovernorAlertsTotal,
		EscalationsTotal,
		NotificationsSentTotal,
		NotificationRetriesTotal,
		QueueDepth,
		QueueJobsProcessedTotal,
		HTTPRequestDuration,
	}
}
