package vigency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/baseline-engine/internal/audit"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// Cursor is the keyset position in a client's history (start date desc, id desc).
type Cursor struct {
	StartDate time.Time
	ID        uuid.UUID
}

// Store is the durable home of vigencies.
type Store interface {
	Lister
	Get(ctx context.Context, id uuid.UUID) (Vigency, error)
	Page(ctx context.Context, clientID string, after *Cursor, limit int) ([]Vigency, error)
	// WithClientTx runs fn in one transaction holding the client's write lock. committed runs
	// after a successful commit, before the lock is released.
	WithClientTx(ctx context.Context, clientID string, fn func(ctx context.Context, tx TxStore) error, committed func(ctx context.Context)) error
}

// TxStore exposes writes inside a client transaction.
type TxStore interface {
	Lister
	Get(ctx context.Context, id uuid.UUID) (Vigency, error)
	Insert(ctx context.Context, v Vigency) (Vigency, error)
	Update(ctx context.Context, v Vigency) (Vigency, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ResultIndex reports months that already hold successful calculations.
type ResultIndex interface {
	SuccessfulPeriods(ctx context.Context, clientID string, from shared.Period, to *shared.Period) ([]shared.Period, error)
}

// Auditor records committed mutations.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// StaleResultsError blocks a delete that would orphan successful calculations.
type StaleResultsError struct {
	VigencyID uuid.UUID
	Periods   []shared.Period
}

func (e *StaleResultsError) Error() string {
	names := make([]string, 0, len(e.Periods))
	for _, p := range e.Periods {
		names = append(names, p.String())
	}
	return fmt.Sprintf("vigency %s has successful results for %s; delete with cascade to recompute them",
		e.VigencyID, strings.Join(names, ", "))
}

// Unwrap lets callers match with errors.Is(err, shared.ErrConflict).
func (e *StaleResultsError) Unwrap() error { return shared.ErrConflict }

// Removal describes a committed delete.
type Removal struct {
	Vigency Vigency
	// Recompute lists the successful periods inside the removed interval, ascending.
	Recompute []shared.Period
	StaleFrom shared.Period
}

// Service owns the vigency history of every client.
type Service struct {
	store    Store
	guard    *Guard
	resolver *Resolver
	results  ResultIndex
	auditor  Auditor
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the store with its guard, resolver and collaborators.
func NewService(store Store, results ResultIndex, auditor Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		guard:    NewGuard(store),
		resolver: NewResolver(store),
		results:  results,
		auditor:  auditor,
		logger:   logger.With(slog.String("component", "vigency")),
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Validate runs the consistency guard without writing anything.
func (s *Service) Validate(ctx context.Context, clientID string, start time.Time, end *time.Time, excludeID uuid.UUID) (Verdict, error) {
	return s.guard.Validate(ctx, clientID, start, end, excludeID)
}

// Create starts a new vigency. When the new vigency is open-ended and begins after the
// client's currently open vigency, that one is closed the day before; any remaining overlap
// rejects the whole operation.
func (s *Service) Create(ctx context.Context, in CreateInput) (Change, error) {
	if err := in.Validate(); err != nil {
		return Change{}, err
	}
	proposed := in.interval()
	var change Change
	err := s.store.WithClientTx(ctx, in.ClientID, func(ctx context.Context, tx TxStore) error {
		existing, err := tx.ListByClient(ctx, in.ClientID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		var closed *Vigency
		candidates := existing
		if proposed.End == nil {
			if open := findOpen(existing); open != nil && open.StartDate.Before(proposed.Start) {
				shortened := *open
				end := proposed.Start.AddDate(0, 0, -1)
				shortened.EndDate = &end
				shortened.UpdatedAt = now
				closed = &shortened
				candidates = replace(existing, shortened)
			}
		}
		if conflicts := Conflicts(candidates, proposed, uuid.Nil); len(conflicts) > 0 {
			return &ConflictError{Proposed: proposed, Conflicts: conflicts}
		}
		if closed != nil {
			updated, err := tx.Update(ctx, *closed)
			if err != nil {
				return err
			}
			closed = &updated
		}
		created, err := tx.Insert(ctx, Vigency{
			ID:            uuid.New(),
			ClientID:      in.ClientID,
			BaselineHours: in.BaselineHours,
			StartDate:     proposed.Start,
			EndDate:       proposed.End,
			Reason:        in.Reason,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		change = Change{Vigency: created, Closed: closed, StaleFrom: shared.PeriodOf(proposed.Start)}
		return nil
	}, func(ctx context.Context) {
		if change.Closed != nil {
			s.record(ctx, in.ActorID, audit.ActionVigencyClosed, *change.Closed,
				fmt.Sprintf("closed %s at %s to start a new vigency", change.Closed.ID, change.Closed.EndDate.Format(shared.DateLayout)))
		}
		s.record(ctx, in.ActorID, audit.ActionVigencyCreated, change.Vigency,
			fmt.Sprintf("started vigency %s with %s hours", change.Vigency.Interval(), change.Vigency.BaselineHours))
	})
	if err != nil {
		return Change{}, err
	}
	return change, nil
}

// Update corrects dates, hours or reason of a vigency, re-running the guard against every
// other vigency of the client.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch Patch) (Change, error) {
	if err := patch.Validate(); err != nil {
		return Change{}, err
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Change{}, err
	}
	var change Change
	err = s.store.WithClientTx(ctx, current.ClientID, func(ctx context.Context, tx TxStore) error {
		locked, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		next := patch.Apply(locked)
		if err := next.Interval().validate(); err != nil {
			return err
		}
		existing, err := tx.ListByClient(ctx, locked.ClientID)
		if err != nil {
			return err
		}
		if conflicts := Conflicts(existing, next.Interval(), id); len(conflicts) > 0 {
			return &ConflictError{Proposed: next.Interval(), Conflicts: conflicts}
		}
		next.UpdatedAt = s.now().UTC()
		updated, err := tx.Update(ctx, next)
		if err != nil {
			return err
		}
		staleFrom := shared.PeriodOf(locked.StartDate)
		if p := shared.PeriodOf(updated.StartDate); p.Before(staleFrom) {
			staleFrom = p
		}
		change = Change{Vigency: updated, StaleFrom: staleFrom}
		return nil
	}, func(ctx context.Context) {
		s.record(ctx, patch.ActorID, audit.ActionVigencyUpdated, change.Vigency,
			fmt.Sprintf("corrected vigency to %s with %s hours", change.Vigency.Interval(), change.Vigency.BaselineHours))
	})
	if err != nil {
		return Change{}, err
	}
	return change, nil
}

// Delete removes a vigency. Successful results inside its interval block the delete unless
// opts.Cascade is set, in which case they are returned for recomputation.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, opts DeleteOptions) (Removal, error) {
	if opts.ActorID == "" {
		return Removal{}, fmt.Errorf("vigency: %w: actor required", shared.ErrValidation)
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Removal{}, err
	}
	var removal Removal
	err = s.store.WithClientTx(ctx, current.ClientID, func(ctx context.Context, tx TxStore) error {
		locked, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		from, to := locked.Interval().Periods()
		var affected []shared.Period
		if s.results != nil {
			affected, err = s.results.SuccessfulPeriods(ctx, locked.ClientID, from, to)
			if err != nil {
				return err
			}
		}
		if len(affected) > 0 && !opts.Cascade {
			return &StaleResultsError{VigencyID: id, Periods: affected}
		}
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		remaining, err := tx.ListByClient(ctx, locked.ClientID)
		if err != nil {
			return err
		}
		if err := CheckSet(remaining); err != nil {
			return err
		}
		sort.Slice(affected, func(i, j int) bool { return affected[i].Before(affected[j]) })
		removal = Removal{Vigency: locked, Recompute: affected, StaleFrom: from}
		return nil
	}, func(ctx context.Context) {
		s.record(ctx, opts.ActorID, audit.ActionVigencyDeleted, removal.Vigency,
			fmt.Sprintf("removed vigency %s (cascade=%t, periods to recompute=%d)", removal.Vigency.Interval(), opts.Cascade, len(removal.Recompute)))
	})
	if err != nil {
		return Removal{}, err
	}
	return removal, nil
}

// Get loads one vigency by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Vigency, error) {
	return s.store.Get(ctx, id)
}

// ResolveAt returns the vigency governing date, or nil.
func (s *Service) ResolveAt(ctx context.Context, clientID string, date time.Time) (*Vigency, error) {
	return s.resolver.ResolveAt(ctx, clientID, date)
}

// ListHistory returns the full history of a client, most recent start first.
func (s *Service) ListHistory(ctx context.Context, clientID string) ([]Vigency, error) {
	vs, err := s.store.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].StartDate.After(vs[j].StartDate) })
	return vs, nil
}

// History returns one keyset page of the client's history, most recent start first.
func (s *Service) History(ctx context.Context, clientID string, page shared.PageRequest) (HistoryPage, error) {
	var after *Cursor
	if page.Cursor != "" {
		c, err := decodeCursor(page.Cursor)
		if err != nil {
			return HistoryPage{}, err
		}
		after = &c
	}
	size := page.Size()
	vs, err := s.store.Page(ctx, clientID, after, size+1)
	if err != nil {
		return HistoryPage{}, err
	}
	out := HistoryPage{Vigencies: vs}
	if len(vs) > size {
		out.Vigencies = vs[:size]
		last := out.Vigencies[size-1]
		out.NextCursor = shared.EncodeCursor(last.StartDate.Format(shared.DateLayout), last.ID.String())
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, actorID string, action audit.Action, v Vigency, description string) {
	if s.auditor == nil {
		return
	}
	meta := map[string]any{
		"vigency_id":     v.ID.String(),
		"start_date":     v.StartDate.Format(shared.DateLayout),
		"baseline_hours": v.BaselineHours.String(),
		"reason":         string(v.Reason),
	}
	if v.EndDate != nil {
		meta["end_date"] = v.EndDate.Format(shared.DateLayout)
	}
	s.auditor.Record(context.WithoutCancel(ctx), audit.Entry{
		ClientID:    v.ClientID,
		Action:      action,
		Description: description,
		ActorID:     actorID,
		Meta:        meta,
	})
}

func decodeCursor(cursor string) (Cursor, error) {
	parts, err := shared.DecodeCursor(cursor, 2)
	if err != nil {
		return Cursor{}, err
	}
	start, err := shared.ParseDate(parts[0])
	if err != nil {
		return Cursor{}, shared.ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Cursor{}, shared.ErrInvalidCursor
	}
	return Cursor{StartDate: start, ID: id}, nil
}

func findOpen(vs []Vigency) *Vigency {
	for i := range vs {
		if vs[i].IsOpen() {
			return &vs[i]
		}
	}
	return nil
}

func replace(vs []Vigency, v Vigency) []Vigency {
	out := make([]Vigency, len(vs))
	for i := range vs {
		if vs[i].ID == v.ID {
			out[i] = v
			continue
		}
		out[i] = vs[i]
	}
	return out
}
