// Package anomaly integrates the external anomaly-detection collaborator.
// The detector is a black box returning structured risk findings; failures
// are isolated so threshold alerts are never blocked by a slow or broken
// model backend.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/healthfolio/pulse/internal/alert"
	"github.com/healthfolio/pulse/internal/vitals"
)

// Finding is one risk signal produced by the detector.
type Finding struct {
	Severity       string  `json:"severity"` // high, medium, low
	Metric         string  `json:"metric"`
	Description    string  `json:"description"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}

// Detector is the collaborator interface. Implementations may be
// network-backed and are assumed to honor context cancellation.
type Detector interface {
	Detect(ctx context.Context, current, previous vitals.Snapshot) ([]Finding, error)
}

// DetectorFunc adapts a plain function to the Detector interface.
type DetectorFunc func(ctx context.Context, current, previous vitals.Snapshot) ([]Finding, error)

func (f DetectorFunc) Detect(ctx context.Context, current, previous vitals.Snapshot) ([]Finding, error) {
	return f(ctx, current, previous)
}

// Run invokes the detector with a timeout and full failure isolation:
// errors, timeouts, and panics degrade to zero findings with a warn log.
func Run(ctx context.Context, d Detector, current, previous vitals.Snapshot, timeout time.Duration, logger *slog.Logger) []Finding {
	if d == nil {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	findings, err := detect(ctx, d, current, previous)
	if err != nil {
		logger.Warn("Anomaly detector failed, continuing with threshold alerts only", "error", err)
		return nil
	}
	return findings
}

func detect(ctx context.Context, d Detector, current, previous vitals.Snapshot) (findings []Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Detect(ctx, current, previous)
}

// ToAlerts maps findings onto broadcastable alerts. A "high" finding is
// critical; everything else is a warning. Category is always model-derived.
func ToAlerts(subjectID string, findings []Finding, at time.Time) []alert.Alert {
	if len(findings) == 0 {
		return nil
	}
	alerts := make([]alert.Alert, 0, len(findings))
	for _, f := range findings {
		severity := alert.SeverityWarning
		if f.Severity == "high" {
			severity = alert.SeverityCritical
		}
		alerts = append(alerts, alert.Alert{
			SubjectID: subjectID,
			Severity:  severity,
			Category:  alert.CategoryModel,
			Title:     fmt.Sprintf("Model risk signal: %s", f.Metric),
			Message:   f.Description,
			Value:     f.Confidence,
			Unit:      "confidence",
			Action:    f.Recommendation,
			Timestamp: at,
		})
	}
	return alerts
}
