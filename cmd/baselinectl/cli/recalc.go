package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/baseline-engine/internal/recalc"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/jobs"
)

// Enqueuer submits recalculation runs to the worker queue.
type Enqueuer interface {
	EnqueueRecalculation(ctx context.Context, payload jobs.RecalculatePeriodsPayload) (*asynq.TaskInfo, error)
}

// QueueInspector reads queue state.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// RecalcCLI wraps manual recalculation helpers.
type RecalcCLI struct {
	enqueuer  Enqueuer
	inspector QueueInspector
}

// NewRecalcCLI constructs the helper. Either collaborator may be nil when its command is unused.
func NewRecalcCLI(enqueuer Enqueuer, inspector QueueInspector) *RecalcCLI {
	return &RecalcCLI{enqueuer: enqueuer, inspector: inspector}
}

// EnqueueOptions defines the flags of the enqueue command.
type EnqueueOptions struct {
	ClientID   string
	Periods    string
	Actor      string
	Timeout    time.Duration
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// EnqueueSummary is the JSON response of the enqueue command.
type EnqueueSummary struct {
	TaskID   string          `json:"task_id"`
	Queue    string          `json:"queue"`
	ClientID string          `json:"client_id"`
	Periods  []shared.Period `json:"periods"`
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// ParsePeriods reads a comma separated YYYY-MM list and checks it is strictly ascending.
func ParsePeriods(value string) ([]shared.Period, error) {
	var periods []shared.Period
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		t, err := time.Parse("2006-01", raw)
		if err != nil {
			return nil, fmt.Errorf("invalid period %q (expected YYYY-MM)", raw)
		}
		periods = append(periods, shared.PeriodOf(t))
	}
	if err := recalc.ValidatePeriods(periods); err != nil {
		return nil, err
	}
	return periods, nil
}

// EnqueueCommand queues one recalculation run and prints the task id.
func (c *RecalcCLI) EnqueueCommand(ctx context.Context, opts EnqueueOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if c == nil || c.enqueuer == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "recalc enqueue: queue client not configured")
		return 1
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "recalc enqueue: --client is required")
		return 1
	}
	periods, err := ParsePeriods(opts.Periods)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "recalc enqueue: %v\n", err)
		return 1
	}
	actor := strings.TrimSpace(opts.Actor)
	if actor == "" {
		actor = shared.SystemActor
	}
	info, err := c.enqueuer.EnqueueRecalculation(ctx, jobs.RecalculatePeriodsPayload{
		ClientID:       clientID,
		Periods:        periods,
		ActorID:        actor,
		TimeoutSeconds: int(opts.Timeout / time.Second),
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "recalc enqueue: %v\n", err)
		return 1
	}
	summary := EnqueueSummary{ClientID: clientID, Periods: periods}
	if info != nil {
		summary.TaskID = info.ID
		summary.Queue = info.Queue
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "recalc enqueue: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	names := make([]string, len(periods))
	for i, p := range periods {
		names[i] = p.String()
	}
	_, _ = fmt.Fprintf(opts.Stdout, "queued %s for client %s: %s\n", summary.TaskID, clientID, strings.Join(names, ", "))
	return 0
}

// InspectQueue reports the metrics of the default queue.
func (c *RecalcCLI) InspectQueue() (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("recalc cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}
