// Package broadcast routes generated alerts and updates to subscribed
// observers. Delivery is filtered by subscription set; observers with a
// closed transport are silently skipped; teardown belongs to the
// transport layer, never to the broadcaster.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/healthfolio/pulse/internal/alert"
	"github.com/healthfolio/pulse/internal/registry"
	"github.com/healthfolio/pulse/internal/telemetry"
	"github.com/healthfolio/pulse/internal/vitals"
)

// Wire envelope types pushed to observers.
const (
	TypeHealthAlert  = "health_alert"
	TypeHealthUpdate = "health_update"
	TypeHeartbeat    = "heartbeat"
)

// AlertEnvelope wraps a batch of alerts for one subject.
type AlertEnvelope struct {
	Type      string        `json:"type"`
	ClientID  string        `json:"clientId"`
	Alerts    []alert.Alert `json:"alerts"`
	Timestamp time.Time     `json:"timestamp"`
}

// UpdateEnvelope carries a routine metric snapshot to exact subscribers.
type UpdateEnvelope struct {
	Type      string         `json:"type"`
	ClientID  string         `json:"clientId"`
	Metrics   map[string]any `json:"metrics"`
	Timestamp time.Time      `json:"timestamp"`
}

// HeartbeatEnvelope is the periodic liveness signal sent to every observer.
type HeartbeatEnvelope struct {
	Type          string    `json:"type"`
	ActiveClients int       `json:"activeClients"`
	Observers     int       `json:"observers"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditSink receives critical alerts for operational audit visibility,
// distinct from the per-observer broadcast.
type AuditSink interface {
	Record(a alert.Alert)
}

// Broadcaster fans messages out through the registry. Like the registry it
// is confined to the gateway event-loop goroutine.
type Broadcaster struct {
	reg    *registry.Registry
	audit  AuditSink // nil when auditing is disabled
	logger *slog.Logger
	now    func() time.Time
}

// New creates a broadcaster. audit may be nil.
func New(reg *registry.Registry, audit AuditSink, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		reg:    reg,
		audit:  audit,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Alerts delivers a batch of alerts for one subject to every observer
// subscribed to it, exactly or via the wildcard. Critical alerts are
// additionally copied to the operational log and the audit sink.
func (b *Broadcaster) Alerts(subjectID string, alerts []alert.Alert) {
	if len(alerts) == 0 {
		return
	}

	for _, a := range alerts {
		telemetry.AlertsEmitted.WithLabelValues(string(a.Severity), string(a.Category)).Inc()
		if a.Critical() {
			b.logger.Error("CRITICAL health alert",
				"client_id", a.SubjectID,
				"category", a.Category,
				"title", a.Title,
				"value", a.Value,
				"unit", a.Unit)
			if b.audit != nil {
				b.audit.Record(a)
			}
		}
	}

	payload, err := json.Marshal(AlertEnvelope{
		Type:      TypeHealthAlert,
		ClientID:  subjectID,
		Alerts:    alerts,
		Timestamp: b.now(),
	})
	if err != nil {
		b.logger.Error("Failed to marshal alert envelope", "client_id", subjectID, "error", err)
		return
	}

	for _, obs := range b.reg.ObserversFor(subjectID) {
		b.send(obs, payload)
	}
}

// MetricUpdate delivers a routine snapshot only to observers that explicitly
// subscribed to the subject. Wildcard subscribers do not receive routine
// updates, only alerts and heartbeats.
func (b *Broadcaster) MetricUpdate(subjectID string, snap vitals.Snapshot) {
	subscribers := b.reg.ExactSubscribers(subjectID)
	if len(subscribers) == 0 {
		return
	}

	payload, err := json.Marshal(UpdateEnvelope{
		Type:      TypeHealthUpdate,
		ClientID:  subjectID,
		Metrics:   snap.Metrics,
		Timestamp: b.now(),
	})
	if err != nil {
		b.logger.Error("Failed to marshal update envelope", "client_id", subjectID, "error", err)
		return
	}

	for _, obs := range subscribers {
		b.send(obs, payload)
	}
}

// Heartbeat sends the liveness signal to all connected observers regardless
// of subscriptions.
func (b *Broadcaster) Heartbeat() {
	observers := b.reg.AllObservers()
	if len(observers) == 0 {
		return
	}

	payload, err := json.Marshal(HeartbeatEnvelope{
		Type:          TypeHeartbeat,
		ActiveClients: b.reg.SubjectCount(),
		Observers:     len(observers),
		Timestamp:     b.now(),
	})
	if err != nil {
		b.logger.Error("Failed to marshal heartbeat", "error", err)
		return
	}

	for _, obs := range observers {
		b.send(obs, payload)
	}
}

func (b *Broadcaster) send(obs *registry.Observer, payload []byte) {
	sink := obs.Sink()
	if !sink.Open() {
		return // transport gateway owns teardown
	}
	if !sink.Push(payload) {
		telemetry.DroppedSends.Inc()
		b.logger.Warn("Dropped outbound message, send buffer full", "observer_id", obs.ID)
	}
}
