package vigency

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// Reason tags why a vigency was opened. It is only used for reporting.
type Reason string

const (
	ReasonInitial    Reason = "initial"
	ReasonAdjustment Reason = "adjustment"
	ReasonRenewal    Reason = "renewal"
	ReasonCorrection Reason = "correction"
)

// Vigency is one baseline validity interval for a client.
type Vigency struct {
	ID            uuid.UUID       `json:"id"`
	ClientID      string          `json:"client_id"`
	BaselineHours decimal.Decimal `json:"baseline_hours"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	Reason        Reason          `json:"reason"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsOpen reports whether the vigency is currently in effect with no end.
func (v Vigency) IsOpen() bool { return v.EndDate == nil }

// Interval returns the closed date range covered by v.
func (v Vigency) Interval() Interval {
	return Interval{Start: v.StartDate, End: v.EndDate}
}

// Contains reports whether date falls inside the vigency.
func (v Vigency) Contains(date time.Time) bool {
	return v.Interval().Contains(date)
}

// Interval is an inclusive date range; a nil End extends to +inf.
type Interval struct {
	Start time.Time
	End   *time.Time
}

// Overlaps reports whether the two intervals share at least one day.
func (i Interval) Overlaps(other Interval) bool {
	return !i.Start.After(endOrInf(other.End)) && !other.Start.After(endOrInf(i.End))
}

// Contains reports whether date lies inside the interval.
func (i Interval) Contains(date time.Time) bool {
	d := shared.DateOf(date)
	return !d.Before(i.Start) && !d.After(endOrInf(i.End))
}

// Periods returns the first and last calendar months touched by the interval. The last is
// nil for open intervals.
func (i Interval) Periods() (shared.Period, *shared.Period) {
	first := shared.PeriodOf(i.Start)
	if i.End == nil {
		return first, nil
	}
	last := shared.PeriodOf(*i.End)
	return first, &last
}

func (i Interval) validate() error {
	if i.Start.IsZero() {
		return fmt.Errorf("vigency: %w: start date required", shared.ErrValidation)
	}
	if i.End != nil && i.End.Before(i.Start) {
		return fmt.Errorf("vigency: %w: end date %s before start date %s", shared.ErrValidation,
			i.End.Format(shared.DateLayout), i.Start.Format(shared.DateLayout))
	}
	return nil
}

func (i Interval) String() string {
	end := "open"
	if i.End != nil {
		end = i.End.Format(shared.DateLayout)
	}
	return i.Start.Format(shared.DateLayout) + ".." + end
}

var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

func endOrInf(end *time.Time) time.Time {
	if end == nil {
		return farFuture
	}
	return *end
}

// ConflictError reports a proposal that would overlap committed vigencies.
type ConflictError struct {
	Proposed  Interval
	Conflicts []Vigency
}

func (e *ConflictError) Error() string {
	ranges := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ranges = append(ranges, c.Interval().String())
	}
	return fmt.Sprintf("vigency: %s overlaps %s", e.Proposed, strings.Join(ranges, ", "))
}

// Unwrap lets callers match with errors.Is(err, shared.ErrValidation).
func (e *ConflictError) Unwrap() error { return shared.ErrValidation }

// CreateInput captures a request to start a new vigency.
type CreateInput struct {
	ClientID      string          `validate:"required,max=64"`
	BaselineHours decimal.Decimal `validate:"-"`
	StartDate     time.Time       `validate:"required"`
	EndDate       *time.Time      `validate:"omitempty"`
	Reason        Reason          `validate:"required,oneof=initial adjustment renewal correction"`
	ActorID       string          `validate:"required"`
}

// Validate ensures the input is coherent before any store access.
func (in CreateInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return describeValidation(err)
	}
	if err := validateHours(in.BaselineHours); err != nil {
		return err
	}
	return in.interval().validate()
}

func (in CreateInput) interval() Interval {
	return normalise(Interval{Start: in.StartDate, End: in.EndDate})
}

// Patch carries a correction to an existing vigency. Nil fields are left untouched.
type Patch struct {
	BaselineHours *decimal.Decimal `validate:"-"`
	StartDate     *time.Time
	EndDate       *time.Time
	// ClearEndDate reopens the vigency. It wins over EndDate.
	ClearEndDate bool
	Reason       *Reason `validate:"omitempty,oneof=initial adjustment renewal correction"`
	ActorID      string  `validate:"required"`
}

// Validate checks field level constraints of the patch.
func (p Patch) Validate() error {
	if err := validate.Struct(p); err != nil {
		return describeValidation(err)
	}
	if p.BaselineHours != nil {
		return validateHours(*p.BaselineHours)
	}
	return nil
}

// maxBaselineHours is the exclusive upper bound of the NUMERIC(12, 2) column.
var maxBaselineHours = decimal.New(1, 10)

func validateHours(h decimal.Decimal) error {
	switch {
	case h.IsNegative():
		return fmt.Errorf("vigency: %w: baseline hours must not be negative", shared.ErrValidation)
	case !h.Equal(h.Round(2)):
		return fmt.Errorf("vigency: %w: baseline hours allow at most two decimal places", shared.ErrValidation)
	case h.GreaterThanOrEqual(maxBaselineHours):
		return fmt.Errorf("vigency: %w: baseline hours out of range", shared.ErrValidation)
	}
	return nil
}

// Apply returns v with the patch applied.
func (p Patch) Apply(v Vigency) Vigency {
	if p.BaselineHours != nil {
		v.BaselineHours = *p.BaselineHours
	}
	if p.StartDate != nil {
		v.StartDate = shared.DateOf(*p.StartDate)
	}
	switch {
	case p.ClearEndDate:
		v.EndDate = nil
	case p.EndDate != nil:
		end := shared.DateOf(*p.EndDate)
		v.EndDate = &end
	}
	if p.Reason != nil {
		v.Reason = *p.Reason
	}
	return v
}

// DeleteOptions controls administrative removal.
type DeleteOptions struct {
	// Cascade allows removal even when successful results exist inside the interval;
	// the caller then recomputes the returned periods.
	Cascade bool
	ActorID string
}

// Change describes a committed mutation and the month from which derived results are stale.
type Change struct {
	Vigency Vigency
	// Closed is the previously open vigency shortened by a create, if any.
	Closed *Vigency
	// StaleFrom is the earliest month whose calculations depend on the change.
	StaleFrom shared.Period
}

// HistoryPage is one keyset page of vigency history.
type HistoryPage struct {
	Vigencies  []Vigency `json:"vigencies"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

var (
	// ErrVigencyNotFound occurs when a vigency id is unknown.
	ErrVigencyNotFound = fmt.Errorf("vigency: %w", shared.ErrNotFound)

	validate = validator.New()
)

func describeValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("vigency: %w: %s", shared.ErrValidation, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("vigency: %w: %v", shared.ErrValidation, err)
}

func normalise(i Interval) Interval {
	out := Interval{Start: shared.DateOf(i.Start)}
	if i.End != nil {
		end := shared.DateOf(*i.End)
		out.End = &end
	}
	return out
}
