// Package audit persists critical alerts to Postgres for after-the-fact
// review. The recorder is nil-safe: with no database configured every call
// is a no-op and the gateway runs purely in-memory.
package audit

import (
	"context"
	"log/slog"

	"github.com/healthfolio/pulse/internal/alert"
	"github.com/healthfolio/pulse/internal/db"
)

// Recorder buffers alerts and writes them from a background worker so the
// dispatch loop never blocks on the database.
type Recorder struct {
	pool   *db.Pool
	logger *slog.Logger
	queue  chan alert.Alert
}

// NewRecorder returns a recorder backed by pool. A nil pool yields a nil
// recorder, which is safe to use.
func NewRecorder(pool *db.Pool, logger *slog.Logger) *Recorder {
	if pool == nil {
		return nil
	}
	return &Recorder{
		pool:   pool,
		logger: logger,
		queue:  make(chan alert.Alert, 256),
	}
}

// Record enqueues an alert for persistence. Drops on a full queue rather
// than stalling the caller.
func (r *Recorder) Record(a alert.Alert) {
	if r == nil {
		return
	}
	select {
	case r.queue <- a:
	default:
		r.logger.Warn("Audit queue full, dropping alert", "client_id", a.SubjectID, "category", a.Category)
	}
}

// Start runs the insert worker. Blocks until ctx is cancelled. Intended to
// be called with `go`. Nil-safe.
func (r *Recorder) Start(ctx context.Context) {
	if r == nil {
		return
	}
	r.logger.Info("Alert audit worker started")

	for {
		select {
		case a := <-r.queue:
			r.insert(ctx, a)
		case <-ctx.Done():
			r.logger.Info("Alert audit worker stopped")
			return
		}
	}
}

func (r *Recorder) insert(ctx context.Context, a alert.Alert) {
	_, err := r.pool.Exec(ctx, "insert_alert_audit",
		a.SubjectID, string(a.Severity), string(a.Category), a.Message, a.Value, a.Unit, a.Timestamp)
	if err != nil {
		r.logger.Warn("Audit insert failed", "client_id", a.SubjectID, "error", err)
	}
}
