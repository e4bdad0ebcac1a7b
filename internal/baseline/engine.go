package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/baseline-engine/internal/audit"
	"github.com/odyssey-erp/baseline-engine/internal/recalc"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/internal/vigency"
)

// VigencyService is the vigency store as seen by the engine.
type VigencyService interface {
	Create(ctx context.Context, in vigency.CreateInput) (vigency.Change, error)
	Update(ctx context.Context, id uuid.UUID, patch vigency.Patch) (vigency.Change, error)
	Delete(ctx context.Context, id uuid.UUID, opts vigency.DeleteOptions) (vigency.Removal, error)
	Get(ctx context.Context, id uuid.UUID) (vigency.Vigency, error)
	ResolveAt(ctx context.Context, clientID string, date time.Time) (*vigency.Vigency, error)
	ListHistory(ctx context.Context, clientID string) ([]vigency.Vigency, error)
	History(ctx context.Context, clientID string, page shared.PageRequest) (vigency.HistoryPage, error)
}

// AuditReader queries the audit log.
type AuditReader interface {
	Query(ctx context.Context, f audit.Filters, page shared.PageRequest) (audit.Page, error)
	All(ctx context.Context, f audit.Filters) ([]audit.Entry, error)
}

// Recalculator runs ordered recalculations.
type Recalculator interface {
	RecalculatePeriods(ctx context.Context, clientID string, periods []shared.Period, opts ...recalc.RunOption) (recalc.Summary, error)
	Reserve(ctx context.Context, clientID string) (recalc.ReservedRun, error)
}

// ResultReader reads stored period results.
type ResultReader interface {
	Get(ctx context.Context, clientID string, period shared.Period) (recalc.Result, error)
	StoredPeriodsFrom(ctx context.Context, clientID string, from shared.Period) ([]shared.Period, error)
}

// ViewCache serves derived views under the client's current version.
type ViewCache interface {
	Version(ctx context.Context, clientID string) (int64, error)
	BuildKey(ctx context.Context, clientID string, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
}

// Mutation reports a committed vigency change and the recalculation it triggered.
type Mutation struct {
	Vigency vigency.Vigency  `json:"vigency"`
	Closed  *vigency.Vigency `json:"closed,omitempty"`
	// Periods lists the stored periods recomputed because of the change.
	Periods []shared.Period `json:"recomputed_periods,omitempty"`
	// Recalculation is set when the periods were recomputed inline.
	Recalculation *recalc.Summary `json:"recalculation,omitempty"`
	Queued        bool            `json:"queued,omitempty"`
	// RecomputeError explains why committed changes still await recomputation.
	RecomputeError string `json:"recompute_error,omitempty"`
}

// PeriodView is a cached period result tagged with the view version it was read under.
type PeriodView struct {
	Result      recalc.Result `json:"result"`
	ViewVersion int64         `json:"view_version"`
}

// Engine is the read/write API of the baseline subsystem.
type Engine struct {
	vigencies    VigencyService
	auditLog     AuditReader
	recalculator Recalculator
	results      ResultReader
	views        ViewCache
	followUp     recalc.Dispatcher
	queue        recalc.Dispatcher
	logger       *slog.Logger
}

// Config wires the engine collaborators. FollowUp recomputes periods made stale by vigency
// edits; Queue, when set, enables asynchronous recalculation requests.
type Config struct {
	Vigencies    VigencyService
	Audit        AuditReader
	Recalculator Recalculator
	Results      ResultReader
	Views        ViewCache
	FollowUp     recalc.Dispatcher
	Queue        recalc.Dispatcher
	Logger       *slog.Logger
}

// CascadeError reports a committed delete whose cascade recalculation did not complete. It
// unwraps to the cause, so the status follows the underlying failure.
type CascadeError struct {
	Deleted vigency.Vigency
	Periods []shared.Period
	Err     error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("vigency %s deleted but recalculation of %d stored periods did not complete: %v",
		e.Deleted.ID, len(e.Periods), e.Err)
}

func (e *CascadeError) Unwrap() error { return e.Err }

// ErrAsyncUnavailable indicates an async request without a configured queue.
var ErrAsyncUnavailable = fmt.Errorf("baseline: %w: asynchronous recalculation not configured", shared.ErrPrecondition)

// NewEngine builds the facade.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		vigencies:    cfg.Vigencies,
		auditLog:     cfg.Audit,
		recalculator: cfg.Recalculator,
		results:      cfg.Results,
		views:        cfg.Views,
		followUp:     cfg.FollowUp,
		queue:        cfg.Queue,
		logger:       logger.With(slog.String("component", "baseline")),
	}
}

// CreateVigency starts a vigency and recomputes every stored period from its start onward.
func (e *Engine) CreateVigency(ctx context.Context, in vigency.CreateInput) (Mutation, error) {
	if in.ActorID == "" {
		in.ActorID = shared.ActorFromContext(ctx)
	}
	change, err := e.vigencies.Create(ctx, in)
	if err != nil {
		return Mutation{}, err
	}
	m := Mutation{Vigency: change.Vigency, Closed: change.Closed}
	e.followUpFrom(ctx, change.Vigency.ClientID, change.StaleFrom, &m)
	return m, nil
}

// EditVigency corrects a vigency and recomputes the periods it affects.
func (e *Engine) EditVigency(ctx context.Context, id uuid.UUID, patch vigency.Patch) (Mutation, error) {
	if patch.ActorID == "" {
		patch.ActorID = shared.ActorFromContext(ctx)
	}
	change, err := e.vigencies.Update(ctx, id, patch)
	if err != nil {
		return Mutation{}, err
	}
	m := Mutation{Vigency: change.Vigency}
	e.followUpFrom(ctx, change.Vigency.ClientID, change.StaleFrom, &m)
	return m, nil
}

// DeleteVigency removes a vigency. With cascade, the client's recalculation lock is taken
// before the delete commits and held until every stored period from the removed start onward
// has been recomputed; a busy client rejects the delete untouched.
func (e *Engine) DeleteVigency(ctx context.Context, id uuid.UUID, cascade bool) (Mutation, error) {
	opts := vigency.DeleteOptions{Cascade: cascade, ActorID: shared.ActorFromContext(ctx)}
	if !cascade {
		removal, err := e.vigencies.Delete(ctx, id, opts)
		if err != nil {
			return Mutation{}, err
		}
		return Mutation{Vigency: removal.Vigency}, nil
	}

	current, err := e.vigencies.Get(ctx, id)
	if err != nil {
		return Mutation{}, err
	}
	run, err := e.recalculator.Reserve(ctx, current.ClientID)
	if err != nil {
		return Mutation{}, err
	}
	defer func() {
		if err := run.Release(ctx); err != nil {
			e.logger.Warn("release cascade lock", slog.String("client_id", current.ClientID), slog.Any("error", err))
		}
	}()

	removal, err := e.vigencies.Delete(ctx, id, opts)
	if err != nil {
		return Mutation{}, err
	}
	m := Mutation{Vigency: removal.Vigency}
	if len(removal.Recompute) == 0 {
		return m, nil
	}
	periods, err := e.results.StoredPeriodsFrom(ctx, removal.Vigency.ClientID, removal.StaleFrom)
	if err != nil {
		return m, &CascadeError{Deleted: removal.Vigency, Periods: removal.Recompute, Err: err}
	}
	m.Periods = periods
	summary, err := run.RecalculatePeriods(ctx, periods)
	if err != nil {
		e.logger.Error("cascade recalculation", slog.String("vigency_id", id.String()), slog.Any("error", err))
		return m, &CascadeError{Deleted: removal.Vigency, Periods: periods, Err: err}
	}
	m.Recalculation = &summary
	return m, nil
}

// RecalculatePeriods runs the orchestrator inline, or enqueues the run when async is set.
// The summary is nil for queued runs.
func (e *Engine) RecalculatePeriods(ctx context.Context, clientID string, periods []shared.Period, async bool) (*recalc.Summary, error) {
	if async {
		if e.queue == nil {
			return nil, ErrAsyncUnavailable
		}
		return e.queue.Dispatch(ctx, clientID, periods)
	}
	summary, err := e.recalculator.RecalculatePeriods(ctx, clientID, periods)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// GetVigencyHistory returns one page of history, most recent start first.
func (e *Engine) GetVigencyHistory(ctx context.Context, clientID string, page shared.PageRequest) (vigency.HistoryPage, error) {
	return e.vigencies.History(ctx, clientID, page)
}

// GetVigencyHistoryAll returns the whole history in one call.
func (e *Engine) GetVigencyHistoryAll(ctx context.Context, clientID string) ([]vigency.Vigency, error) {
	return e.vigencies.ListHistory(ctx, clientID)
}

// GetVigencyAt returns the governing vigency on date, nil when none.
func (e *Engine) GetVigencyAt(ctx context.Context, clientID string, date time.Time) (*vigency.Vigency, error) {
	return e.vigencies.ResolveAt(ctx, clientID, date)
}

// GetAuditLog returns one page of audit entries, newest first.
func (e *Engine) GetAuditLog(ctx context.Context, f audit.Filters, page shared.PageRequest) (audit.Page, error) {
	return e.auditLog.Query(ctx, f, page)
}

// GetAuditLogAll returns every matching audit entry.
func (e *Engine) GetAuditLogAll(ctx context.Context, f audit.Filters) ([]audit.Entry, error) {
	return e.auditLog.All(ctx, f)
}

// GetPeriodResult reads a period result through the client's versioned view cache.
func (e *Engine) GetPeriodResult(ctx context.Context, clientID string, period shared.Period) (PeriodView, error) {
	if err := period.Validate(); err != nil {
		return PeriodView{}, err
	}
	version, err := e.views.Version(ctx, clientID)
	if err != nil {
		return PeriodView{}, fmt.Errorf("baseline: view version: %w", err)
	}
	key, err := e.views.BuildKey(ctx, clientID, "period", period.String())
	if err != nil {
		return PeriodView{}, fmt.Errorf("baseline: view key: %w", err)
	}
	var result recalc.Result
	err = e.views.FetchJSON(ctx, key, &result, func(ctx context.Context) (any, error) {
		return e.results.Get(ctx, clientID, period)
	})
	if err != nil {
		return PeriodView{}, err
	}
	return PeriodView{Result: result, ViewVersion: version}, nil
}

// ViewVersion returns the client's current invalidation token.
func (e *Engine) ViewVersion(ctx context.Context, clientID string) (int64, error) {
	return e.views.Version(ctx, clientID)
}

func (e *Engine) followUpFrom(ctx context.Context, clientID string, from shared.Period, m *Mutation) {
	if e.followUp == nil || e.results == nil {
		return
	}
	periods, err := e.results.StoredPeriodsFrom(ctx, clientID, from)
	if err != nil {
		m.RecomputeError = err.Error()
		e.logger.Warn("list stale periods", slog.String("client_id", clientID), slog.Any("error", err))
		return
	}
	if len(periods) == 0 {
		return
	}
	m.Periods = periods
	summary, err := e.followUp.Dispatch(ctx, clientID, periods)
	if err != nil {
		m.RecomputeError = err.Error()
		level := slog.LevelWarn
		if !errors.Is(err, shared.ErrBusy) {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "recompute stale periods",
			slog.String("client_id", clientID),
			slog.String("from", from.String()),
			slog.Any("error", err),
		)
		return
	}
	m.Recalculation = summary
	m.Queued = summary == nil
}
