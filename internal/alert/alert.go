// Package alert defines the alert model pushed to subscribed observers.
// Alerts are ephemeral: generated, broadcast, and not persisted by the
// gateway (critical alerts are additionally copied to the audit sink).
package alert

import "time"

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Category groups alerts by the concern that produced them.
type Category string

const (
	CategoryCardiovascular Category = "cardiovascular"
	CategoryActivity       Category = "activity"
	CategorySleep          Category = "sleep"
	CategoryWeight         Category = "weight"
	CategoryConnectivity   Category = "connectivity"
	CategoryModel          Category = "model-derived"
)

// Alert is a single finding about a subject, ready for broadcast.
type Alert struct {
	SubjectID string    `json:"clientId"`
	Severity  Severity  `json:"severity"`
	Category  Category  `json:"category"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"` // zero is a legitimate reading, never omitted
	Unit      string    `json:"unit,omitempty"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Critical reports whether the alert requires audit visibility.
func (a Alert) Critical() bool {
	return a.Severity == SeverityCritical
}
