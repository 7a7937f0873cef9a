package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Invocation metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskvault_invocations_total",
			Help: "Total invoker runs by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskvault_invocation_duration_seconds",
			Help:    "Wall-clock duration of invoker runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"backend"},
	)

	TurnsUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskvault_turns_used_total",
			Help: "Total backend turns consumed",
		},
		[]string{"backend"},
	)

	RateLimitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskvault_rate_limits_total",
			Help: "Rate-limit exhaustions detected per backend",
		},
		[]string{"backend"},
	)

	// Queue metrics
	EventsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskvault_events_written_total",
			Help: "Events appended to the queue by kind",
		},
		[]string{"kind"},
	)

	EventsDrainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskvault_events_drained_total",
			Help: "Events consumed by scheduler drains",
		},
	)

	RetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskvault_retry_queue_depth",
			Help: "file_ready events parked for retry",
		},
	)

	// Lock metrics
	LocksLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskvault_locks_live",
			Help: "Live invocation locks per backend",
		},
		[]string{"backend"},
	)

	LocksReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskvault_locks_reaped_total",
			Help: "Stale locks removed by the reaper",
		},
	)

	// Lifecycle metrics
	ContinuationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskvault_continuations_total",
			Help: "Auto-resumed max-turn continuations",
		},
	)

	StopSignalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskvault_stop_signals_total",
			Help: "Stop signals processed",
		},
	)

	ChildRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskvault_child_restarts_total",
			Help: "Supervisor restarts per child",
		},
		[]string{"child"},
	)
)

func init() {
	prometheus.MustRegister(
		InvocationsTotal,
		InvocationDuration,
		TurnsUsedTotal,
		RateLimitsTotal,
		EventsWrittenTotal,
		EventsDrainedTotal,
		RetryQueueDepth,
		LocksLive,
		LocksReapedTotal,
		ContinuationsTotal,
		StopSignalsTotal,
		ChildRestartsTotal,
	)
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed seconds into the observer
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(time.Since(t.start).Seconds())
}

// Serve exposes /metrics on addr; blocks until the listener fails
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
