package anomaly

import (
	"context"
	"fmt"
	"math"

	"github.com/healthfolio/pulse/internal/vitals"
)

// baseline swing fractions: a metric moving more than this share of its
// previous value between consecutive snapshots is flagged.
var baselineSwings = map[string]float64{
	vitals.MetricHeartRate:  0.35,
	vitals.MetricSteps:      0.80,
	vitals.MetricSleepHours: 0.50,
}

// Baseline returns the built-in rate-of-change detector used when no
// external model backend is wired. It compares consecutive snapshots and
// flags abrupt swings that sit inside the absolute thresholds and would
// otherwise go unnoticed.
func Baseline() Detector {
	return DetectorFunc(func(ctx context.Context, current, previous vitals.Snapshot) ([]Finding, error) {
		if previous.IsZero() {
			return nil, nil
		}

		var findings []Finding
		for metric, maxSwing := range baselineSwings {
			cur, ok := current.Number(metric)
			if !ok {
				continue
			}
			prev, ok := previous.Number(metric)
			if !ok || prev == 0 {
				continue
			}

			swing := math.Abs(cur-prev) / math.Abs(prev)
			if swing <= maxSwing {
				continue
			}

			severity := "medium"
			if swing > 2*maxSwing {
				severity = "high"
			}
			findings = append(findings, Finding{
				Severity:       severity,
				Metric:         metric,
				Description:    fmt.Sprintf("%s changed %.0f%% between readings (%.1f to %.1f)", metric, swing*100, prev, cur),
				Confidence:     math.Min(swing/(2*maxSwing), 1),
				Recommendation: "Verify the reading and check in with the client",
			})
		}
		return findings, nil
	})
}
