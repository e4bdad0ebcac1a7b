package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// IdempotencyCleaner purges accepted request keys older than a retention window.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewIdempotencyCleanupHandler returns the handler for TaskIdempotencyCleanup.
func NewIdempotencyCleanupHandler(cleaner IdempotencyCleaner, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, task *asynq.Task) error {
		var payload IdempotencyCleanupPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("jobs: decode cleanup payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.RetentionSeconds <= 0 {
			return fmt.Errorf("jobs: retention must be positive: %w", asynq.SkipRetry)
		}
		retention := time.Duration(payload.RetentionSeconds) * time.Second
		if err := cleaner.Cleanup(ctx, retention); err != nil {
			return fmt.Errorf("jobs: idempotency cleanup: %w", err)
		}
		logger.Debug("idempotency keys purged", slog.Duration("retention", retention))
		return nil
	}
}
