// Package telemetry exposes Prometheus collectors for the gateway.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedObservers tracks registered coach connections.
	ConnectedObservers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_connected_observers",
		Help: "Number of registered observer (coach) connections.",
	})

	// TrackedSubjects tracks subjects with at least one ingested snapshot.
	TrackedSubjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_tracked_subjects",
		Help: "Number of subjects currently tracked by the registry.",
	})

	// MessagesReceived counts inbound transport messages by kind.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_messages_received_total",
		Help: "Inbound WebSocket messages by message type.",
	}, []string{"type"})

	// AlertsEmitted counts generated alerts by severity and category.
	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_alerts_emitted_total",
		Help: "Alerts generated for broadcast, by severity and category.",
	}, []string{"severity", "category"})

	// DroppedSends counts outbound messages dropped on full send buffers.
	DroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_dropped_sends_total",
		Help: "Outbound messages dropped because a session buffer was full.",
	})

	// SubjectsEvicted counts subjects removed by the TTL/capacity policy.
	SubjectsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_subjects_evicted_total",
		Help: "Subjects evicted from the registry by TTL or capacity.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
