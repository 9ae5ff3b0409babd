package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		connectionsActive,
		fragmentsDelivered,
		deliveryErrors,
	)
}

var (
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of open client connections.",
		},
	)

	fragmentsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_fragments_delivered_total",
			Help: "Count of content fragments flushed to clients.",
		},
	)

	deliveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_error_frames_total",
			Help: "Count of typed error frames sent to clients.",
		},
		[]string{"code"},
	)
)

func ConnOpened() { connectionsActive.Inc() }
func ConnClosed() { connectionsActive.Dec() }

func FragmentsDelivered(n int) { fragmentsDelivered.Add(float64(n)) }

func ErrorFrame(code string) { deliveryErrors.WithLabelValues(norm(code)).Inc() }
