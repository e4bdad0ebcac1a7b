package recalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/baseline-engine/internal/audit"
	jobmetrics "github.com/odyssey-erp/baseline-engine/internal/jobs"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/internal/vigency"
)

// Locker serialises runs per client.
type Locker interface {
	Acquire(ctx context.Context, clientID string) (shared.Unlocker, error)
}

// BaselineLookup resolves the governing vigency of a date.
type BaselineLookup interface {
	ResolveAt(ctx context.Context, clientID string, date time.Time) (*vigency.Vigency, error)
}

// ResultStore persists the outcome of a whole run atomically.
type ResultStore interface {
	SaveResults(ctx context.Context, results []Result) error
	// Get returns ErrResultNotFound when the period was never calculated.
	Get(ctx context.Context, clientID string, period shared.Period) (Result, error)
}

// Auditor records one entry per attempted period.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Invalidator bumps the per-client view version and returns the new value.
type Invalidator interface {
	Bump(ctx context.Context, clientID string) (int64, error)
}

// RunOption tunes a single run.
type RunOption func(*runConfig)

type runConfig struct {
	timeout time.Duration
	actorID string
}

// WithTimeout bounds the run. Periods not started before the deadline are marked timeout;
// a call already in flight runs to completion.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithActor overrides the actor recorded in audit entries.
func WithActor(actorID string) RunOption {
	return func(c *runConfig) {
		if actorID != "" {
			c.actorID = actorID
		}
	}
}

// Orchestrator recomputes client periods strictly in order and publishes them at once.
type Orchestrator struct {
	locker      Locker
	calculator  Calculator
	baselines   BaselineLookup
	results     ResultStore
	auditor     Auditor
	invalidator Invalidator
	metrics     *jobmetrics.Metrics
	logger      *slog.Logger
	timeout     time.Duration
	now         func() time.Time
}

// Dependencies groups the collaborators of an Orchestrator.
type Dependencies struct {
	Locker      Locker
	Calculator  Calculator
	Baselines   BaselineLookup
	Results     ResultStore
	Auditor     Auditor
	Invalidator Invalidator
	Metrics     *jobmetrics.Metrics
	Logger      *slog.Logger
	// DefaultTimeout applies when a run does not pass WithTimeout and caps the ones that do,
	// keeping every run inside the lock lease. Zero means unbounded.
	DefaultTimeout time.Duration
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		locker:      deps.Locker,
		calculator:  deps.Calculator,
		baselines:   deps.Baselines,
		results:     deps.Results,
		auditor:     deps.Auditor,
		invalidator: deps.Invalidator,
		metrics:     deps.Metrics,
		logger:      logger.With(slog.String("component", "recalc")),
		timeout:     deps.DefaultTimeout,
		now:         time.Now,
	}
}

// RecalculatePeriods runs the calculator for every period in order. Per-period failures are
// reported in the summary; the returned error is reserved for precondition, busy and
// persistence failures.
func (o *Orchestrator) RecalculatePeriods(ctx context.Context, clientID string, periods []shared.Period, opts ...RunOption) (Summary, error) {
	if err := checkRun(clientID, periods); err != nil {
		return Summary{}, err
	}
	lease, err := o.locker.Acquire(ctx, clientID)
	if err != nil {
		return Summary{}, fmt.Errorf("recalc: %w", err)
	}
	defer o.release(ctx, clientID, lease)
	return o.run(ctx, clientID, periods, opts)
}

// ReservedRun recalculates the periods of a client whose lock is already held.
type ReservedRun interface {
	RecalculatePeriods(ctx context.Context, periods []shared.Period, opts ...RunOption) (Summary, error)
	Release(ctx context.Context) error
}

// Reserve takes the client's recalculation lock without running anything. The caller must
// Release the returned run.
func (o *Orchestrator) Reserve(ctx context.Context, clientID string) (ReservedRun, error) {
	if clientID == "" {
		return nil, fmt.Errorf("recalc: %w: client id required", shared.ErrPrecondition)
	}
	lease, err := o.locker.Acquire(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("recalc: %w", err)
	}
	return &reservation{orchestrator: o, clientID: clientID, lease: lease}, nil
}

type reservation struct {
	orchestrator *Orchestrator
	clientID     string
	lease        shared.Unlocker
}

func (r *reservation) RecalculatePeriods(ctx context.Context, periods []shared.Period, opts ...RunOption) (Summary, error) {
	if err := checkRun(r.clientID, periods); err != nil {
		return Summary{}, err
	}
	return r.orchestrator.run(ctx, r.clientID, periods, opts)
}

func (r *reservation) Release(ctx context.Context) error {
	return r.lease.Release(context.WithoutCancel(ctx))
}

func checkRun(clientID string, periods []shared.Period) error {
	if clientID == "" {
		return fmt.Errorf("recalc: %w: client id required", shared.ErrPrecondition)
	}
	return ValidatePeriods(periods)
}

func (o *Orchestrator) release(ctx context.Context, clientID string, lease shared.Unlocker) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn("release recalculation lock", slog.String("client_id", clientID), slog.Any("error", err))
	}
}

// run executes an ordered run under a lock the caller already holds.
func (o *Orchestrator) run(ctx context.Context, clientID string, periods []shared.Period, opts []RunOption) (summary Summary, err error) {
	cfg := runConfig{timeout: o.timeout, actorID: shared.ActorFromContext(ctx)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if o.timeout > 0 && cfg.timeout > o.timeout {
		cfg.timeout = o.timeout
	}

	tracker := o.metrics.Track("recalculate_periods")
	defer func() { _ = tracker.End(err) }()

	// The run is not cancellable once started.
	runCtx := context.WithoutCancel(ctx)

	var deadline time.Time
	if cfg.timeout > 0 {
		deadline = o.now().Add(cfg.timeout)
	}

	previous, err := o.storedBefore(runCtx, clientID, periods[0])
	if err != nil {
		return Summary{}, err
	}

	summary = Summary{ClientID: clientID, Results: make([]Result, 0, len(periods))}
	for _, period := range periods {
		var result Result
		if !deadline.IsZero() && !o.now().Before(deadline) {
			result = Result{
				ClientID:     clientID,
				Month:        period.Month,
				Year:         period.Year,
				Status:       StatusTimeout,
				ComputedAt:   o.now().UTC(),
				ErrorMessage: "run deadline elapsed before the period was attempted",
			}
		} else {
			result = o.attempt(runCtx, clientID, period, previous)
		}
		summary.add(result)
		o.metrics.ObservePeriod(string(result.Status))
		r := result
		previous = &r
	}

	if err := o.results.SaveResults(runCtx, summary.Results); err != nil {
		o.recordNotPersisted(runCtx, cfg.actorID, summary, err)
		return Summary{}, shared.Persistence("recalc: save results", err)
	}
	for _, result := range summary.Results {
		o.recordPeriod(runCtx, cfg.actorID, result)
	}
	version, err := o.invalidator.Bump(runCtx, clientID)
	if err != nil {
		return summary, shared.Persistence("recalc: invalidate views", err)
	}
	summary.ViewVersion = version

	o.recordFinished(runCtx, cfg.actorID, summary)
	o.logger.Info("recalculation finished",
		slog.String("client_id", clientID),
		slog.String("outcome", string(summary.Outcome())),
		slog.Int("succeeded", summary.SucceededCount),
		slog.Int("failed", summary.FailedCount),
		slog.Int("timed_out", summary.TimedOutCount),
		slog.Int64("view_version", version),
	)
	return summary, nil
}

// storedBefore loads the stored result of the month preceding first, nil when there is none.
func (o *Orchestrator) storedBefore(ctx context.Context, clientID string, first shared.Period) (*Result, error) {
	prev, err := o.results.Get(ctx, clientID, first.Prev())
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	if err != nil && !errors.Is(err, shared.ErrPersistence) {
		err = shared.Persistence("recalc: load previous result", err)
	}
	if err != nil {
		return nil, err
	}
	return &prev, nil
}

func (o *Orchestrator) attempt(ctx context.Context, clientID string, period shared.Period, previous *Result) Result {
	result := Result{ClientID: clientID, Month: period.Month, Year: period.Year}
	governing, err := o.baselines.ResolveAt(ctx, clientID, period.Start())
	if err == nil {
		var out Output
		out, err = o.calculator.Calculate(ctx, CalculationRequest{
			ClientID:  clientID,
			Period:    period,
			Governing: governing,
			Previous:  previous,
		})
		if err == nil {
			result.Output = &out
		}
	}
	result.ComputedAt = o.now().UTC()
	if err != nil {
		result.Status = StatusFailed
		result.ErrorMessage = err.Error()
		o.logger.Warn("period calculation failed",
			slog.String("client_id", clientID),
			slog.String("period", period.String()),
			slog.Any("error", err),
		)
		return result
	}
	result.Status = StatusSuccess
	return result
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case StatusSuccess:
		s.SucceededCount++
	case StatusFailed:
		s.FailedCount++
	case StatusTimeout:
		s.TimedOutCount++
	}
}

func (o *Orchestrator) recordPeriod(ctx context.Context, actorID string, r Result) {
	if o.auditor == nil {
		return
	}
	action := audit.ActionPeriodRecalculated
	description := fmt.Sprintf("recalculated %s", r.Period())
	switch r.Status {
	case StatusFailed:
		action = audit.ActionPeriodFailed
		description = fmt.Sprintf("recalculation of %s failed: %s", r.Period(), r.ErrorMessage)
	case StatusTimeout:
		action = audit.ActionPeriodTimedOut
		description = fmt.Sprintf("recalculation of %s not attempted before the deadline", r.Period())
	}
	meta := map[string]any{
		"month":   r.Month,
		"year":    r.Year,
		"outcome": string(r.Status),
	}
	if r.ErrorMessage != "" {
		meta["error"] = r.ErrorMessage
	}
	o.auditor.Record(ctx, audit.Entry{
		ClientID:    r.ClientID,
		Action:      action,
		Description: description,
		ActorID:     actorID,
		Meta:        meta,
	})
}

func (o *Orchestrator) recordNotPersisted(ctx context.Context, actorID string, s Summary, cause error) {
	if o.auditor == nil {
		return
	}
	attempted := make([]string, 0, len(s.Results))
	for _, r := range s.Results {
		attempted = append(attempted, r.Period().String())
	}
	o.auditor.Record(ctx, audit.Entry{
		ClientID:    s.ClientID,
		Action:      audit.ActionRecalculationFinished,
		Description: fmt.Sprintf("recalculation failure: results of %d periods were not stored: %v", len(s.Results), cause),
		ActorID:     actorID,
		Meta: map[string]any{
			"outcome":   string(OutcomeFailure),
			"persisted": false,
			"periods":   attempted,
		},
	})
}

func (o *Orchestrator) recordFinished(ctx context.Context, actorID string, s Summary) {
	if o.auditor == nil {
		return
	}
	failed := make([]string, 0, len(s.Results))
	for _, p := range s.FailedPeriods() {
		failed = append(failed, p.String())
	}
	o.auditor.Record(ctx, audit.Entry{
		ClientID: s.ClientID,
		Action:   audit.ActionRecalculationFinished,
		Description: fmt.Sprintf("recalculation %s: %d succeeded, %d failed, %d timed out",
			s.Outcome(), s.SucceededCount, s.FailedCount, s.TimedOutCount),
		ActorID: actorID,
		Meta: map[string]any{
			"outcome":        string(s.Outcome()),
			"failed_periods": failed,
			"view_version":   s.ViewVersion,
		},
	})
}
