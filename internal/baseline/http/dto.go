package baselinehttp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/baseline-engine/internal/recalc"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/internal/vigency"
)

var validate = validator.New()

type createVigencyRequest struct {
	BaselineHours decimal.Decimal `json:"baseline_hours" validate:"-"`
	StartDate     string          `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate       *string         `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Reason        string          `json:"reason" validate:"required,oneof=initial adjustment renewal correction"`
}

func (req createVigencyRequest) toInput(clientID string) (vigency.CreateInput, error) {
	if err := validate.Struct(req); err != nil {
		return vigency.CreateInput{}, requestError(err)
	}
	start, _ := shared.ParseDate(req.StartDate)
	in := vigency.CreateInput{
		ClientID:      clientID,
		BaselineHours: req.BaselineHours,
		StartDate:     start,
		Reason:        vigency.Reason(req.Reason),
	}
	if req.EndDate != nil {
		end, _ := shared.ParseDate(*req.EndDate)
		in.EndDate = &end
	}
	return in, nil
}

type patchVigencyRequest struct {
	BaselineHours *decimal.Decimal `json:"baseline_hours" validate:"-"`
	StartDate     *string          `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate       *string          `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	ClearEndDate  bool             `json:"clear_end_date"`
	Reason        *string          `json:"reason" validate:"omitempty,oneof=initial adjustment renewal correction"`
}

func (req patchVigencyRequest) toPatch() (vigency.Patch, error) {
	if err := validate.Struct(req); err != nil {
		return vigency.Patch{}, requestError(err)
	}
	patch := vigency.Patch{BaselineHours: req.BaselineHours, ClearEndDate: req.ClearEndDate}
	if req.StartDate != nil {
		start, _ := shared.ParseDate(*req.StartDate)
		patch.StartDate = &start
	}
	if req.EndDate != nil {
		end, _ := shared.ParseDate(*req.EndDate)
		patch.EndDate = &end
	}
	if req.Reason != nil {
		reason := vigency.Reason(*req.Reason)
		patch.Reason = &reason
	}
	return patch, nil
}

type recalculateRequest struct {
	Periods []shared.Period `json:"periods"`
}

type recalculateResponse struct {
	recalc.Summary
	Outcome       recalc.Outcome  `json:"outcome"`
	FailedPeriods []shared.Period `json:"failed_periods"`
}

func newRecalculateResponse(s recalc.Summary) recalculateResponse {
	failed := s.FailedPeriods()
	if failed == nil {
		failed = []shared.Period{}
	}
	return recalculateResponse{Summary: s, Outcome: s.Outcome(), FailedPeriods: failed}
}

type governingResponse struct {
	ClientID  string           `json:"client_id"`
	Date      string           `json:"date"`
	Governing *vigency.Vigency `json:"governing"`
}

type historyResponse struct {
	Vigencies  []vigency.Vigency `json:"vigencies"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func requestError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", shared.ErrPrecondition, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", shared.ErrPrecondition, err)
}

func parseDateParam(value string) (time.Time, error) {
	d, err := shared.ParseDate(strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", shared.ErrPrecondition, err)
	}
	return d, nil
}
