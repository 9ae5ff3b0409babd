package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		sessionsActive,
		sessionsStarted,
		sessionsEnded,
		generationsTotal,
		generationLatency,
		promptUnits,
		idleSweeps,
	)
}

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversation_sessions_active",
			Help: "Number of sessions currently tracked in memory.",
		},
	)

	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_sessions_started_total",
			Help: "Count of sessions started.",
		},
	)

	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_sessions_ended_total",
			Help: "Count of sessions ended, by cause.",
		},
		[]string{"cause"}, // 'client', 'idle_sweep'
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_total",
			Help: "Count of generations by terminal outcome.",
		},
		[]string{"outcome"}, // 'done', 'error', 'timeout', 'cancelled'
	)

	generationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_latency_ms",
			Help:    "Wall time from accepted message to terminal marker, in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		},
	)

	promptUnits = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prompt_estimated_units",
			Help:    "Estimated size of assembled prompts in generation units.",
			Buckets: []float64{128, 256, 512, 1024, 2048, 4096, 8192},
		},
	)

	idleSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idle_sessions_swept_total",
			Help: "Count of sessions ended by the idle sweep.",
		},
	)
)

func SessionOpened() {
	sessionsActive.Inc()
	sessionsStarted.Inc()
}

// SessionRestored marks a session reloaded from the store into memory.
func SessionRestored() {
	sessionsActive.Inc()
}

func SessionClosed(cause string) {
	sessionsActive.Dec()
	sessionsEnded.WithLabelValues(norm(cause)).Inc()
}

func ObserveGeneration(outcome string, latencyMs int64) {
	generationsTotal.WithLabelValues(norm(outcome)).Inc()
	generationLatency.Observe(float64(latencyMs))
}

func ObservePromptUnits(units int) {
	promptUnits.Observe(float64(units))
}

func IdleSwept(n int) {
	idleSweeps.Add(float64(n))
}
