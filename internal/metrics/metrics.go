package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// States exported through bot_manager_container_state.
var containerStates = []string{"created", "running", "paused", "restarting", "removing", "exited", "dead", "not_found"}

var (
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bot_manager_job_duration_seconds",
		Help:    "Duration of asynchronous lifecycle jobs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"type", "status"})

	jobStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_manager_job_status_total",
		Help: "Total jobs completed grouped by type and status",
	}, []string{"type", "status"})

	actionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_manager_container_actions_total",
		Help: "Container lifecycle actions grouped by action and result",
	}, []string{"action", "result"})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bot_manager_image_build_duration_seconds",
		Help:    "Duration of bot image builds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"status"})

	containerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_manager_container_up",
		Help: "1 when the managed container is running",
	})

	containerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_manager_container_state",
		Help: "Current state of the managed container (1 for the active state)",
	}, []string{"state"})
)

// ObserveJobCompletion records the duration and status of a completed job.
func ObserveJobCompletion(jobType, status string, duration time.Duration) {
	if jobType == "" {
		jobType = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	jobDuration.WithLabelValues(jobType, status).Observe(duration.Seconds())
	jobStatusTotal.WithLabelValues(jobType, status).Inc()
}

// RecordAction counts a lifecycle action outcome.
func RecordAction(action, result string) {
	if result == "" {
		result = "unknown"
	}
	actionTotal.WithLabelValues(action, result).Inc()
}

// ObserveBuild records an image build.
func ObserveBuild(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	buildDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetContainerState marks state as the active one. Unknown states still get
// their own series.
func SetContainerState(state string) {
	if state == "running" {
		containerUp.Set(1)
	} else {
		containerUp.Set(0)
	}
	known := false
	for _, s := range containerStates {
		if s == state {
			containerState.WithLabelValues(s).Set(1)
			known = true
			continue
		}
		containerState.WithLabelValues(s).Set(0)
	}
	if !known && state != "" {
		containerState.WithLabelValues(state).Set(1)
	}
}
