// Package metrics exposes Prometheus collectors for the discovery worker.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal            *prometheus.CounterVec
	taskDurationSeconds   prometheus.Histogram
	candidatesTotal       *prometheus.CounterVec
	oracleCallsTotal      *prometheus.CounterVec
	deliveryAttemptsTotal *prometheus.CounterVec
	activeAnalyses        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginscout_tasks_total",
				Help: "Total number of tasks processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		taskDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loginscout_task_duration_seconds",
				Help:    "Histogram of end-to-end task processing durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 10800},
			},
		)

		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginscout_candidates_total",
				Help: "Total number of accepted candidates, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		oracleCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginscout_oracle_calls_total",
				Help: "Total number of classification calls, labeled by transport and verdict.",
			},
			[]string{"transport", "verdict"},
		)

		deliveryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginscout_delivery_attempts_total",
				Help: "Total number of result delivery attempts, labeled by target and outcome.",
			},
			[]string{"target", "outcome"},
		)

		activeAnalyses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loginscout_active_analyses",
				Help: "Number of analyses currently executing.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records one finished task.
func ObserveTask(outcome string, duration time.Duration) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(outcome).Inc()
	taskDurationSeconds.Observe(duration.Seconds())
}

// ObserveCandidates records accepted candidates per strategy.
func ObserveCandidates(strategy string, count int) {
	if candidatesTotal == nil || count <= 0 {
		return
	}
	candidatesTotal.WithLabelValues(strategy).Add(float64(count))
}

// ObserveOracleCall records one classification round trip.
func ObserveOracleCall(transport string, verdict string) {
	if oracleCallsTotal == nil {
		return
	}
	oracleCallsTotal.WithLabelValues(transport, verdict).Inc()
}

// ObserveDelivery records one delivery attempt.
func ObserveDelivery(target string, outcome string) {
	if deliveryAttemptsTotal == nil {
		return
	}
	deliveryAttemptsTotal.WithLabelValues(target, outcome).Inc()
}

// AnalysisStarted marks an analysis as running.
func AnalysisStarted() {
	if activeAnalyses != nil {
		activeAnalyses.Inc()
	}
}

// AnalysisFinished marks an analysis as done.
func AnalysisFinished() {
	if activeAnalyses != nil {
		activeAnalyses.Dec()
	}
}
