package shared

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the civil date format used on every boundary.
const DateLayout = "2006-01-02"

// ErrInvalidPeriod indicates a month outside 1..12 or a non-positive year.
var ErrInvalidPeriod = errors.New("period invalid")

// Period is a (month, year) unit of calculation.
type Period struct {
	Month int `json:"month" validate:"min=1,max=12"`
	Year  int `json:"year" validate:"min=1"`
}

// PeriodOf returns the period containing date.
func PeriodOf(date time.Time) Period {
	return Period{Month: int(date.Month()), Year: date.Year()}
}

// Validate checks the month/year range.
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 || p.Year < 1 {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, p)
	}
	return nil
}

// Compare orders periods chronologically.
func (p Period) Compare(other Period) int {
	switch {
	case p.Year < other.Year:
		return -1
	case p.Year > other.Year:
		return 1
	case p.Month < other.Month:
		return -1
	case p.Month > other.Month:
		return 1
	}
	return 0
}

// Before reports whether p is strictly earlier than other.
func (p Period) Before(other Period) bool { return p.Compare(other) < 0 }

// Start returns the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// Next returns the following month.
func (p Period) Next() Period {
	return PeriodOf(p.Start().AddDate(0, 1, 0))
}

// Prev returns the preceding month.
func (p Period) Prev() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// DateOf truncates t to a UTC civil date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return t, nil
}
