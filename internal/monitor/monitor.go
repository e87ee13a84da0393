// Package monitor runs the periodic background tasks as Go tickers: the
// staleness sweep and the heartbeat. Both only post events onto the
// dispatch loop; the actual work happens on the loop goroutine.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/healthfolio/pulse/internal/alert"
)

// Driver is the loop-side surface the tickers drive. Both methods must be
// safe to call from the ticker goroutines.
type Driver interface {
	Sweep()
	Heartbeat()
}

// Config controls ticker intervals. Zero duration disables a task.
type Config struct {
	SweepInterval     time.Duration // Staleness detection + TTL eviction
	HeartbeatInterval time.Duration // Liveness broadcast to all observers
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Start launches the configured tickers. Blocks until ctx is cancelled.
// Intended to be called with `go`.
func Start(ctx context.Context, d Driver, cfg Config, logger *slog.Logger) {
	logger.Info("Monitor tickers started",
		"sweep", cfg.SweepInterval,
		"heartbeat", cfg.HeartbeatInterval)

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if cfg.SweepInterval > 0 {
		t := time.NewTicker(cfg.SweepInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, d.Sweep)
	}

	if cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(cfg.HeartbeatInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, d.Heartbeat)
	}

	<-ctx.Done()
	logger.Info("Monitor tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// ConnectivityAlert builds the synthesized alert for a subject whose device
// has gone silent past the staleness threshold.
func ConnectivityAlert(subjectID string, lastSeen time.Time, elapsed time.Duration, at time.Time) alert.Alert {
	hours := elapsed.Hours()
	return alert.Alert{
		SubjectID: subjectID,
		Severity:  alert.SeverityWarning,
		Category:  alert.CategoryConnectivity,
		Title:     "Device offline",
		Message:   fmt.Sprintf("No health data received for %.1f hours", hours),
		Value:     hours,
		Unit:      "hours",
		Action:    fmt.Sprintf("Check wearable device connection (last seen %s)", lastSeen.Format(time.RFC3339)),
		Timestamp: at,
	}
}
