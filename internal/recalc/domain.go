package recalc

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/internal/vigency"
)

// Status is the outcome of one period attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	// StatusTimeout marks periods never attempted because the run deadline elapsed.
	StatusTimeout Status = "timeout"
)

// Result is the stored outcome for one client period.
type Result struct {
	ClientID     string    `json:"client_id"`
	Month        int       `json:"month"`
	Year         int       `json:"year"`
	Status       Status    `json:"status"`
	ComputedAt   time.Time `json:"computed_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
	// Output is the calculator payload for successful periods.
	Output *Output `json:"output,omitempty"`
}

// Period returns the (month, year) of the result.
func (r Result) Period() shared.Period {
	return shared.Period{Month: r.Month, Year: r.Year}
}

// Output is what the calculator reports for a month. The engine stores it but does not
// interpret the figures.
type Output struct {
	ConsumedHours  decimal.Decimal `json:"consumed_hours"`
	RemainingHours decimal.Decimal `json:"remaining_hours"`
	CarryOver      decimal.Decimal `json:"carry_over"`
}

// CalculationRequest is the input handed to the calculator for one period.
type CalculationRequest struct {
	ClientID string
	Period   shared.Period
	// Governing is the vigency in effect on the first day of the period, nil when none.
	Governing *vigency.Vigency
	// Previous is the outcome of the prior month: computed earlier in this run, or for the
	// first period the stored result, nil when that month was never calculated.
	Previous *Result
}

// Calculator computes one period. Implementations are external to the engine.
type Calculator interface {
	Calculate(ctx context.Context, req CalculationRequest) (Output, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(ctx context.Context, req CalculationRequest) (Output, error)

// Calculate implements Calculator.
func (f CalculatorFunc) Calculate(ctx context.Context, req CalculationRequest) (Output, error) {
	return f(ctx, req)
}

// Outcome classifies a run for the caller.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Summary reports a finished run.
type Summary struct {
	ClientID       string   `json:"client_id"`
	Results        []Result `json:"results"`
	SucceededCount int      `json:"succeeded_count"`
	FailedCount    int      `json:"failed_count"`
	TimedOutCount  int      `json:"timed_out_count"`
	ViewVersion    int64    `json:"view_version"`
}

// Outcome returns success when nothing failed, failure when nothing succeeded and partial
// otherwise. Timed out periods count as not succeeded.
func (s Summary) Outcome() Outcome {
	unsuccessful := s.FailedCount + s.TimedOutCount
	switch {
	case unsuccessful == 0:
		return OutcomeSuccess
	case s.SucceededCount == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// FailedPeriods lists every period that did not succeed, in run order.
func (s Summary) FailedPeriods() []shared.Period {
	var out []shared.Period
	for _, r := range s.Results {
		if r.Status != StatusSuccess {
			out = append(out, r.Period())
		}
	}
	return out
}

// ValidatePeriods enforces the run precondition: non-empty, valid months, strictly ascending.
func ValidatePeriods(periods []shared.Period) error {
	if len(periods) == 0 {
		return fmt.Errorf("recalc: %w: no periods supplied", shared.ErrPrecondition)
	}
	for i, p := range periods {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("recalc: %w: %w", shared.ErrPrecondition, err)
		}
		if i > 0 && !periods[i-1].Before(p) {
			return fmt.Errorf("recalc: %w: period %s does not follow %s", shared.ErrPrecondition, p, periods[i-1])
		}
	}
	return nil
}
