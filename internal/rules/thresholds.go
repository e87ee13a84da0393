// Package rules implements the stateless threshold evaluator. Each rule is
// independent; a single evaluation may yield zero, one, or several alerts.
package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/healthfolio/pulse/internal/alert"
	"github.com/healthfolio/pulse/internal/config"
	"github.com/healthfolio/pulse/internal/vitals"
)

// Thresholds holds the configurable bounds the evaluator checks against.
// Goal and target fields are informational only and never produce alerts.
type Thresholds struct {
	HeartRateMin      float64
	HeartRateMax      float64
	HeartRateCritical float64
	StepsWarnFloor    float64
	StepsGoal         float64
	SleepWarnFloor    float64
	SleepTarget       float64
	WeightMaxChange   float64
}

// Defaults returns the stock thresholds: heart rate normal 50–100 bpm with
// critical above 120, steps warning floor 3000 (goal 5000), sleep warning
// floor 5 hours (target 6), weight max change 5 units per week.
func Defaults() Thresholds {
	return Thresholds{
		HeartRateMin:      50,
		HeartRateMax:      100,
		HeartRateCritical: 120,
		StepsWarnFloor:    3000,
		StepsGoal:         5000,
		SleepWarnFloor:    5,
		SleepTarget:       6,
		WeightMaxChange:   5,
	}
}

// FromConfig builds thresholds from the loaded service configuration.
func FromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		HeartRateMin:      cfg.HeartRateMin,
		HeartRateMax:      cfg.HeartRateMax,
		HeartRateCritical: cfg.HeartRateCritical,
		StepsWarnFloor:    cfg.StepsWarnFloor,
		StepsGoal:         cfg.StepsGoal,
		SleepWarnFloor:    cfg.SleepWarnFloor,
		SleepTarget:       cfg.SleepTarget,
		WeightMaxChange:   cfg.WeightMaxChange,
	}
}

// Evaluate maps a subject's current snapshot (plus the immediately previous
// one) to threshold alerts. The previous snapshot is only consulted by the
// weight rule; pass a zero Snapshot when there is none.
func Evaluate(subjectID string, current, previous vitals.Snapshot, th Thresholds) []alert.Alert {
	var alerts []alert.Alert
	at := current.Taken
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if a, ok := heartRateAlert(subjectID, current, th, at); ok {
		alerts = append(alerts, a)
	}
	if a, ok := stepsAlert(subjectID, current, th, at); ok {
		alerts = append(alerts, a)
	}
	if a, ok := sleepAlert(subjectID, current, th, at); ok {
		alerts = append(alerts, a)
	}
	if a, ok := weightAlert(subjectID, current, previous, th, at); ok {
		alerts = append(alerts, a)
	}
	return alerts
}

// heartRateAlert produces at most one cardiovascular alert per evaluation:
// the critical check short-circuits the warning range check.
func heartRateAlert(subjectID string, s vitals.Snapshot, th Thresholds, at time.Time) (alert.Alert, bool) {
	hr, ok := s.Number(vitals.MetricHeartRate)
	if !ok {
		return alert.Alert{}, false
	}

	if hr > th.HeartRateCritical {
		return alert.Alert{
			SubjectID: subjectID,
			Severity:  alert.SeverityCritical,
			Category:  alert.CategoryCardiovascular,
			Title:     "Critically elevated heart rate",
			Message:   fmt.Sprintf("Heart rate %.0f bpm exceeds the critical limit of %.0f bpm", hr, th.HeartRateCritical),
			Value:     hr,
			Unit:      "bpm",
			Action:    "Contact the client immediately and advise medical evaluation",
			Timestamp: at,
		}, true
	}

	if hr > th.HeartRateMax || hr < th.HeartRateMin {
		direction := "above"
		if hr < th.HeartRateMin {
			direction = "below"
		}
		return alert.Alert{
			SubjectID: subjectID,
			Severity:  alert.SeverityWarning,
			Category:  alert.CategoryCardiovascular,
			Title:     "Heart rate out of range",
			Message:   fmt.Sprintf("Heart rate %.0f bpm is %s the normal range %.0f–%.0f bpm", hr, direction, th.HeartRateMin, th.HeartRateMax),
			Value:     hr,
			Unit:      "bpm",
			Action:    "Check in with the client about recent activity and stress",
			Timestamp: at,
		}, true
	}

	return alert.Alert{}, false
}

func stepsAlert(subjectID string, s vitals.Snapshot, th Thresholds, at time.Time) (alert.Alert, bool) {
	steps, ok := s.Number(vitals.MetricSteps)
	if !ok || steps >= th.StepsWarnFloor {
		return alert.Alert{}, false
	}
	return alert.Alert{
		SubjectID: subjectID,
		Severity:  alert.SeverityWarning,
		Category:  alert.CategoryActivity,
		Title:     "Low daily activity",
		Message:   fmt.Sprintf("Step count %.0f is below the warning floor of %.0f (goal %.0f)", steps, th.StepsWarnFloor, th.StepsGoal),
		Value:     steps,
		Unit:      "steps",
		Action:    "Encourage a short walk or light activity today",
		Timestamp: at,
	}, true
}

func sleepAlert(subjectID string, s vitals.Snapshot, th Thresholds, at time.Time) (alert.Alert, bool) {
	hours, ok := s.Number(vitals.MetricSleepHours)
	if !ok || hours >= th.SleepWarnFloor {
		return alert.Alert{}, false
	}
	return alert.Alert{
		SubjectID: subjectID,
		Severity:  alert.SeverityWarning,
		Category:  alert.CategorySleep,
		Title:     "Insufficient sleep",
		Message:   fmt.Sprintf("Sleep duration %.1f h is below the warning floor of %.1f h (target %.1f h)", hours, th.SleepWarnFloor, th.SleepTarget),
		Value:     hours,
		Unit:      "h",
		Action:    "Review sleep hygiene and evening routine with the client",
		Timestamp: at,
	}, true
}

// weightAlert only fires when both snapshots carry a weight reading; the
// alert reports the magnitude of change, not the raw weight.
func weightAlert(subjectID string, current, previous vitals.Snapshot, th Thresholds, at time.Time) (alert.Alert, bool) {
	cur, ok := current.Number(vitals.MetricWeight)
	if !ok {
		return alert.Alert{}, false
	}
	prev, ok := previous.Number(vitals.MetricWeight)
	if !ok {
		return alert.Alert{}, false
	}

	change := math.Abs(cur - prev)
	if change <= th.WeightMaxChange {
		return alert.Alert{}, false
	}
	return alert.Alert{
		SubjectID: subjectID,
		Severity:  alert.SeverityWarning,
		Category:  alert.CategoryWeight,
		Title:     "Rapid weight change",
		Message:   fmt.Sprintf("Weight changed by %.1f since the last reading, above the weekly limit of %.1f", change, th.WeightMaxChange),
		Value:     change,
		Action:    "Verify the reading and discuss diet or fluid changes",
		Timestamp: at,
	}, true
}
