package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stage metrics
	StagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_stages_total",
			Help: "Total number of stages by status",
		},
		[]string{"status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_stage_duration_seconds",
			Help:    "Wall-clock duration of a completed stage, from creation to merge",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
		[]string{"stage_id"},
	)

	StageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_stage_retries_total",
			Help: "Total number of automatic retries attempted per stage",
		},
		[]string{"stage_id"},
	)

	StageEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_stage_escalations_total",
			Help: "Total number of stages escalated to blocked after exhausting retries",
		},
		[]string{"stage_id"},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_sessions_active",
			Help: "Number of currently running agent sessions",
		},
	)

	SessionsSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_sessions_spawned_total",
			Help: "Total number of agent sessions spawned by backend",
		},
		[]string{"backend"},
	)

	SessionCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_session_crashes_total",
			Help: "Total number of sessions classified as crashed",
		},
	)

	SessionContextPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_session_context_percent",
			Help: "Most recently reported context consumption for a running session",
		},
		[]string{"session_id"},
	)

	// Signal generation metrics
	SignalGenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_signal_generation_duration_seconds",
			Help:    "Time taken to assemble a signal file",
			Buckets: prometheus.DefBuckets,
		},
	)

	SignalSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_signal_size_bytes",
			Help:    "Total byte size of generated signal files",
			Buckets: []float64{512, 1024, 4096, 16384, 65536, 262144},
		},
	)

	// Merge metrics
	MergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_merge_duration_seconds",
			Help:    "Time taken to merge a stage branch onto its target",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // "merged" | "conflict"
	)

	MergeConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_merge_conflicts_total",
			Help: "Total number of merge conflicts encountered, including synthetic base merges",
		},
	)

	// Verification metrics
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_verifications_total",
			Help: "Total number of verification rules run by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Daemon metrics
	DaemonSubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_daemon_subscribers_active",
			Help: "Number of clients currently subscribed to the orchestrator daemon socket",
		},
	)
)

func init() {
	prometheus.MustRegister(
		StagesTotal,
		StageDuration,
		StageRetries,
		StageEscalations,
		SessionsActive,
		SessionsSpawnedTotal,
		SessionCrashesTotal,
		SessionContextPercent,
		SignalGenerationDuration,
		SignalSizeBytes,
		MergeDuration,
		MergeConflictsTotal,
		VerificationsTotal,
		DaemonSubscribersActive,
	)
}

// Handler returns the Prometheus HTTP handler, served at /metrics by the
// orchestrator's metrics listener when configured.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording their duration into
// a histogram once complete.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
