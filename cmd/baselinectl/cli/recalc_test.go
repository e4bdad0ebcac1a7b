package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/jobs"
)

type stubEnqueuer struct {
	payload jobs.RecalculatePeriodsPayload
	err     error
}

func (s *stubEnqueuer) EnqueueRecalculation(_ context.Context, p jobs.RecalculatePeriodsPayload) (*asynq.TaskInfo, error) {
	s.payload = p
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueDefault}, nil
}

type stubInspector struct{ info *asynq.QueueInfo }

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, nil }

func TestParsePeriods(t *testing.T) {
	periods, err := ParsePeriods("2024-12, 2025-01,2025-02")
	require.NoError(t, err)
	assert.Equal(t, []shared.Period{{Month: 12, Year: 2024}, {Month: 1, Year: 2025}, {Month: 2, Year: 2025}}, periods)

	_, err = ParsePeriods("2025-02,2025-01")
	assert.ErrorIs(t, err, shared.ErrPrecondition)

	_, err = ParsePeriods("2025/01")
	assert.Error(t, err)

	_, err = ParsePeriods("")
	assert.ErrorIs(t, err, shared.ErrPrecondition)
}

func TestEnqueueCommandJSON(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	stdout := new(bytes.Buffer)
	code := NewRecalcCLI(enqueuer, nil).EnqueueCommand(context.Background(), EnqueueOptions{
		ClientID:   "C1",
		Periods:    "2025-01,2025-02",
		Timeout:    90 * time.Second,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     new(bytes.Buffer),
	})

	require.Equal(t, 0, code)
	assert.Equal(t, shared.SystemActor, enqueuer.payload.ActorID)
	assert.Equal(t, 90, enqueuer.payload.TimeoutSeconds)
	var summary EnqueueSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, "task-1", summary.TaskID)
	assert.Len(t, summary.Periods, 2)
}

func TestEnqueueCommandFailures(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := NewRecalcCLI(&stubEnqueuer{}, nil).EnqueueCommand(context.Background(), EnqueueOptions{Periods: "2025-01", Stderr: stderr})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "--client")

	stderr.Reset()
	code = NewRecalcCLI(&stubEnqueuer{err: errors.New("redis down")}, nil).EnqueueCommand(context.Background(), EnqueueOptions{
		ClientID: "C1", Periods: "2025-01", Stdout: new(bytes.Buffer), Stderr: stderr,
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "redis down")
}

func TestInspectQueue(t *testing.T) {
	stats, err := NewRecalcCLI(nil, stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3, Retry: 1}}).InspectQueue()
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Queue: "default", Pending: 3, Retry: 1}, stats)

	_, err = NewRecalcCLI(nil, nil).InspectQueue()
	assert.Error(t, err)
}
