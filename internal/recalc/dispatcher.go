package recalc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/jobs"
)

// Dispatcher hands a run to whoever executes it. Inline dispatchers return the summary;
// queued dispatchers return nil.
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, periods []shared.Period) (*Summary, error)
}

// InlineDispatcher runs the orchestrator in the caller's goroutine.
type InlineDispatcher struct {
	orchestrator *Orchestrator
}

// NewInlineDispatcher wraps orchestrator.
func NewInlineDispatcher(orchestrator *Orchestrator) *InlineDispatcher {
	return &InlineDispatcher{orchestrator: orchestrator}
}

// Dispatch runs the periods immediately.
func (d *InlineDispatcher) Dispatch(ctx context.Context, clientID string, periods []shared.Period) (*Summary, error) {
	summary, err := d.orchestrator.RecalculatePeriods(ctx, clientID, periods)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// Enqueuer submits recalculation tasks.
type Enqueuer interface {
	EnqueueRecalculation(ctx context.Context, payload jobs.RecalculatePeriodsPayload) (*asynq.TaskInfo, error)
}

// QueueDispatcher defers runs to the worker.
type QueueDispatcher struct {
	enqueuer Enqueuer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewQueueDispatcher builds a dispatcher enqueueing through enqueuer.
func NewQueueDispatcher(enqueuer Enqueuer, timeout time.Duration, logger *slog.Logger) *QueueDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueDispatcher{enqueuer: enqueuer, timeout: timeout, logger: logger}
}

// Dispatch enqueues the run and returns without a summary.
func (d *QueueDispatcher) Dispatch(ctx context.Context, clientID string, periods []shared.Period) (*Summary, error) {
	if err := ValidatePeriods(periods); err != nil {
		return nil, err
	}
	info, err := d.enqueuer.EnqueueRecalculation(ctx, jobs.RecalculatePeriodsPayload{
		ClientID:       clientID,
		Periods:        periods,
		ActorID:        shared.ActorFromContext(ctx),
		TimeoutSeconds: int(d.timeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("recalc: enqueue: %w", err)
	}
	if info != nil {
		d.logger.Info("recalculation enqueued",
			slog.String("client_id", clientID),
			slog.String("task_id", info.ID),
			slog.Int("periods", len(periods)),
		)
	}
	return nil, nil
}
