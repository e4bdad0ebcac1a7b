package recalc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/jobs"
)

// Job processes queued recalculation runs.
type Job struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewJob constructs a job handler.
func NewJob(orchestrator *Orchestrator, logger *slog.Logger) *Job {
	return &Job{orchestrator: orchestrator, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract. Busy clients are retried by asynq; invalid
// payloads are not.
func (j *Job) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.RecalculatePeriodsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("recalc: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ClientID == "" {
		return fmt.Errorf("recalc: payload without client: %w", asynq.SkipRetry)
	}
	actor := payload.ActorID
	if actor == "" {
		actor = shared.SystemActor
	}
	ctx = shared.ContextWithActor(ctx, actor)

	summary, err := j.orchestrator.RecalculatePeriods(ctx, payload.ClientID, payload.Periods, WithTimeout(payload.Timeout()))
	if err != nil {
		if j.logger != nil {
			j.logger.Error("recalculate periods", slog.String("client_id", payload.ClientID), slog.Any("error", err))
		}
		if errors.Is(err, shared.ErrPrecondition) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if j.logger != nil && summary.Outcome() != OutcomeSuccess {
		j.logger.Warn("recalculation incomplete",
			slog.String("client_id", payload.ClientID),
			slog.String("outcome", string(summary.Outcome())),
			slog.Any("failed_periods", summary.FailedPeriods()),
		)
	}
	return nil
}
