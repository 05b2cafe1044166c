// Package metrics exposes the gateway's Prometheus instrumentation:
// subscriber count, fan-out backpressure drops, and remux worker errors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriberGauge tracks the number of active subscriber streams.
	SubscriberGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foscam_gateway_subscribers",
		Help: "Number of active subscriber streams",
	})

	// PipeDroppedChunks counts chunks a fan-out pipe dropped under
	// backpressure, labeled by direction (video/audio).
	PipeDroppedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foscam_gateway_pipe_dropped_chunks_total",
		Help: "Chunks dropped by a subscriber pipe under backpressure",
	}, []string{"direction"})

	// RemuxErrors counts remux worker failures, labeled by stage
	// (init/runtime).
	RemuxErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foscam_gateway_remux_errors_total",
		Help: "Remux worker failures by stage",
	}, []string{"stage"})

	// SessionReconnects counts the supervising loop's reconnect attempts:
	// every camera session attempt after the first, whatever ended the
	// previous one.
	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foscam_gateway_session_reconnects_total",
		Help: "Camera session reconnect attempts",
	})
)

// SetSubscriberCount reports the current number of registered subscribers.
func SetSubscriberCount(n int) {
	SubscriberGauge.Set(float64(n))
}

// RecordPipeDrop increments the dropped-chunk counter for the given
// direction ("video" or "audio").
func RecordPipeDrop(direction string) {
	PipeDroppedChunks.WithLabelValues(direction).Inc()
}

// RecordRemuxError increments the remux error counter for the given stage
// ("init" or "runtime").
func RecordRemuxError(stage string) {
	RemuxErrors.WithLabelValues(stage).Inc()
}
