package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecalculatePeriods recomputes an ordered list of periods for one client.
	TaskRecalculatePeriods = "baseline:recalculate_periods"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "baseline:idempotency_cleanup"
)

// RecalculatePeriodsPayload describes one queued recalculation run.
type RecalculatePeriodsPayload struct {
	ClientID string          `json:"client_id"`
	Periods  []shared.Period `json:"periods"`
	ActorID  string          `json:"actor_id,omitempty"`
	// TimeoutSeconds bounds the run; zero uses the worker default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Timeout returns the run bound carried by the payload.
func (p RecalculatePeriodsPayload) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// NewRecalculatePeriodsTask constructs an Asynq task.
func NewRecalculatePeriodsTask(payload RecalculatePeriodsPayload) (*asynq.Task, error) {
	if payload.ClientID == "" {
		return nil, fmt.Errorf("jobs: %w: client id required", shared.ErrValidation)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecalculatePeriods, data), nil
}

// IdempotencyCleanupPayload carries the key retention window.
type IdempotencyCleanupPayload struct {
	RetentionSeconds int `json:"retention_seconds"`
}

// NewIdempotencyCleanupTask constructs the periodic cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionSeconds: int(retention / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
