package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task store metrics
	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poudomatic_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
	)

	TasksStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poudomatic_tasks_started_total",
			Help: "Total number of tasks dequeued and started, by kind",
		},
		[]string{"kind"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poudomatic_tasks_finished_total",
			Help: "Total number of tasks finished, by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poudomatic_task_duration_seconds",
			Help:    "Time taken to run a task end to end, by kind",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poudomatic_queue_depth",
			Help: "Number of tasks currently PENDING in the store",
		},
	)

	// Build orchestrator metrics
	PackagesBuiltTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poudomatic_packages_built_total",
			Help: "Total number of packages produced by RunBuild across all tasks",
		},
	)

	BulkBuildErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poudomatic_bulk_build_errors_total",
			Help: "Total number of 'Error:' lines observed from poudriere bulk",
		},
	)

	FollowerLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poudomatic_follower_lines_total",
			Help: "Total number of lines emitted by the directory follower",
		},
	)

	// Volume facade metrics
	VolumeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poudomatic_volume_op_duration_seconds",
			Help:    "Time taken by volume facade operations, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksEnqueuedTotal,
		TasksStartedTotal,
		TasksFinishedTotal,
		TaskDuration,
		QueueDepth,
		PackagesBuiltTotal,
		BulkBuildErrorsTotal,
		FollowerLinesTotal,
		VolumeOpDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
