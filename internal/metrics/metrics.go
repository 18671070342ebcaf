package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecordsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_records_enqueued_total",
			Help: "Total number of delivery records accepted, by channel.",
		},
		[]string{"channel"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_attempts_total",
			Help: "Total number of delivery attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"}, // succeeded, failed_retryable, abandoned
	)

	AttemptLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_attempt_latency_seconds",
			Help:    "Time spent inside the sender per attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retries_total",
			Help: "Total number of retryable failures by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network
	)

	AbandonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_abandoned_total",
			Help: "Total number of records abandoned, by audit reason.",
		},
		[]string{"reason"}, // permanent, exhausted
	)

	ThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_throttled_total",
			Help: "Total number of attempts deferred by the rate limiter.",
		},
		[]string{"channel"},
	)

	ClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_claim_conflicts_total",
			Help: "Total number of claims lost to a concurrent cycle.",
		},
	)

	StaleReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_stale_reclaims_total",
			Help: "Total number of in_flight records reverted by the staleness sweep.",
		},
	)

	ProcessingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_processing_errors_total",
			Help: "Per-record processing faults by stage.",
		},
		[]string{"stage"}, // select, claim, attempt, release, reconcile
	)

	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_cycles_total",
			Help: "Total number of scheduler cycles by result.",
		},
		[]string{"result"}, // ok, error
	)

	CycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_cycle_duration_seconds",
			Help:    "Wall time of a scheduler cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecordBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_record_backlog",
			Help: "Number of records currently in each status.",
		},
		[]string{"status"},
	)

	RateLimiterFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_ratelimit_fallback_total",
			Help: "Rate limit checks served by the local limiter because redis failed.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		RecordsEnqueuedTotal,
		AttemptsTotal,
		AttemptLatencySeconds,
		RetriesTotal,
		AbandonedTotal,
		ThrottledTotal,
		ClaimConflictsTotal,
		StaleReclaimsTotal,
		ProcessingErrorsTotal,
		CyclesTotal,
		CycleDurationSeconds,
		RecordBacklog,
		RateLimiterFallbackTotal,
	)
}

func RecordEnqueued(channel string) {
	RecordsEnqueuedTotal.WithLabelValues(channel).Inc()
}

// RecordAttempt counts one completed attempt and its sender latency.
func RecordAttempt(channel, outcome string, took time.Duration) {
	AttemptsTotal.WithLabelValues(channel, outcome).Inc()
	AttemptLatencySeconds.WithLabelValues(channel).Observe(took.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordAbandoned(reason string) {
	AbandonedTotal.WithLabelValues(reason).Inc()
}

func RecordThrottled(channel string) {
	ThrottledTotal.WithLabelValues(channel).Inc()
}

func RecordClaimConflict() {
	ClaimConflictsTotal.Inc()
}

func RecordStaleReclaims(n int64) {
	if n > 0 {
		StaleReclaimsTotal.Add(float64(n))
	}
}

func RecordProcessingError(stage string) {
	ProcessingErrorsTotal.WithLabelValues(stage).Inc()
}

func RecordCycle(err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CyclesTotal.WithLabelValues(result).Inc()
	CycleDurationSeconds.Observe(took.Seconds())
}

func UpdateRecordBacklog(status string, count int64) {
	RecordBacklog.WithLabelValues(status).Set(float64(count))
}

func RecordRateLimiterFallback() {
	RateLimiterFallbackTotal.Inc()
}
