// Package vitals defines the metric snapshot model for monitored subjects.
// A snapshot is the most recent set of readings streamed by a client; the
// gateway only ever retains the current and immediately previous snapshot
// per subject.
package vitals

import (
	"encoding/json"
	"strconv"
	"time"
)

// Well-known metric names as they appear on the wire.
const (
	MetricHeartRate  = "heartRate"
	MetricSteps      = "steps"
	MetricSleepHours = "sleepHours"
	MetricWeight     = "weight"
)

// Snapshot holds one set of metric readings for a subject. Values are
// JSON-decoded and may be numeric or textual.
type Snapshot struct {
	Metrics map[string]any `json:"metrics"`
	Taken   time.Time      `json:"timestamp"`
}

// New builds a snapshot taken at the given time.
func New(metrics map[string]any, at time.Time) Snapshot {
	return Snapshot{Metrics: metrics, Taken: at}
}

// IsZero reports whether the snapshot carries no readings.
func (s Snapshot) IsZero() bool {
	return s.Metrics == nil
}

// Has reports whether the snapshot carries a reading for the metric.
func (s Snapshot) Has(name string) bool {
	_, ok := s.Metrics[name]
	return ok
}

// Number returns the metric as a float64 if present and numerically
// coercible. JSON decoding yields float64 for numbers, but upstream
// translators have been seen sending ints and numeric strings.
func (s Snapshot) Number(name string) (float64, bool) {
	v, ok := s.Metrics[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
