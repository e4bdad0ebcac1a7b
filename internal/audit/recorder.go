package audit

import (
	"context"
	"log/slog"
	"time"
)

// Appender durably stores one entry.
type Appender interface {
	Append(ctx context.Context, e Entry) (Entry, error)
}

// HealthReporter is told about entries that could not be written.
type HealthReporter interface {
	AuditDropped(action string)
}

// Recorder writes entries synchronously, retrying a bounded number of times. A write that
// still fails is logged and counted but never surfaced to the audited operation.
type Recorder struct {
	store    Appender
	logger   *slog.Logger
	health   HealthReporter
	attempts int
	backoff  time.Duration
}

// NewRecorder builds a recorder. attempts below one are treated as one.
func NewRecorder(store Appender, logger *slog.Logger, health HealthReporter, attempts int, backoff time.Duration) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Recorder{
		store:    store,
		logger:   logger.With(slog.String("component", "audit")),
		health:   health,
		attempts: attempts,
		backoff:  backoff,
	}
}

// Record appends e, swallowing failures after logging them as a system-health event.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.store == nil {
		return
	}
	if err := e.Validate(); err != nil {
		r.drop(e, err, 0)
		return
	}
	if !e.Action.Known() {
		r.logger.Warn("audit action outside vocabulary", slog.String("action", string(e.Action)))
	}
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if _, err = r.store.Append(ctx, e); err == nil {
			return
		}
		if attempt == r.attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}
	r.drop(e, err, r.attempts)
}

func (r *Recorder) drop(e Entry, err error, attempts int) {
	r.logger.Warn("audit write dropped",
		slog.String("client_id", e.ClientID),
		slog.String("action", string(e.Action)),
		slog.String("actor_id", e.ActorID),
		slog.Int("attempts", attempts),
		slog.Any("error", err),
	)
	if r.health != nil {
		r.health.AuditDropped(string(e.Action))
	}
}
