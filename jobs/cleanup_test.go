package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCleaner struct {
	retention time.Duration
	err       error
}

func (c *recordingCleaner) Cleanup(_ context.Context, olderThan time.Duration) error {
	c.retention = olderThan
	return c.err
}

func TestIdempotencyCleanupHandler(t *testing.T) {
	cleaner := &recordingCleaner{}
	handler := NewIdempotencyCleanupHandler(cleaner, nil)

	task, err := NewIdempotencyCleanupTask(24 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	assert.Equal(t, 24*time.Hour, cleaner.retention)

	cleaner.err = errors.New("db down")
	err = handler(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry), "store failures are retried")
}

func TestIdempotencyCleanupHandlerSkipsBadPayload(t *testing.T) {
	handler := NewIdempotencyCleanupHandler(&recordingCleaner{}, nil)
	for _, payload := range []string{"{", `{"retention_seconds":0}`} {
		err := handler(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte(payload)))
		assert.ErrorIs(t, err, asynq.SkipRetry, payload)
	}
}

func TestRecalculatePeriodsTaskRequiresClient(t *testing.T) {
	_, err := NewRecalculatePeriodsTask(RecalculatePeriodsPayload{})
	assert.Error(t, err)

	task, err := NewRecalculatePeriodsTask(RecalculatePeriodsPayload{ClientID: "C1", TimeoutSeconds: 30})
	require.NoError(t, err)
	assert.Equal(t, TaskRecalculatePeriods, task.Type())
}
