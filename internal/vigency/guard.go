package vigency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Lister loads every vigency of a client.
type Lister interface {
	ListByClient(ctx context.Context, clientID string) ([]Vigency, error)
}

// Verdict is the outcome of a consistency check.
type Verdict struct {
	Valid     bool      `json:"valid"`
	Conflicts []Vigency `json:"conflicts,omitempty"`
}

// Guard rejects proposals that would make the governing baseline of any date ambiguous.
type Guard struct {
	lister Lister
}

// NewGuard builds a guard reading committed vigencies from lister.
func NewGuard(lister Lister) *Guard {
	return &Guard{lister: lister}
}

// Validate checks the proposed interval for clientID, ignoring excludeID so an edit does not
// collide with itself.
func (g *Guard) Validate(ctx context.Context, clientID string, start time.Time, end *time.Time, excludeID uuid.UUID) (Verdict, error) {
	proposed := normalise(Interval{Start: start, End: end})
	if err := proposed.validate(); err != nil {
		return Verdict{}, err
	}
	existing, err := g.lister.ListByClient(ctx, clientID)
	if err != nil {
		return Verdict{}, err
	}
	conflicts := Conflicts(existing, proposed, excludeID)
	return Verdict{Valid: len(conflicts) == 0, Conflicts: conflicts}, nil
}

// Conflicts returns every vigency in existing that shares a day with proposed, ordered by
// start date. excludeID is skipped.
func Conflicts(existing []Vigency, proposed Interval, excludeID uuid.UUID) []Vigency {
	var out []Vigency
	for _, v := range existing {
		if excludeID != uuid.Nil && v.ID == excludeID {
			continue
		}
		if v.Interval().Overlaps(proposed) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

// CheckSet verifies a whole committed set: pairwise non-overlap, end >= start and at most one
// open vigency.
func CheckSet(vs []Vigency) error {
	sorted := make([]Vigency, len(vs))
	copy(sorted, vs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartDate.Before(sorted[j].StartDate) })

	open := 0
	for i, v := range sorted {
		if err := v.Interval().validate(); err != nil {
			return err
		}
		if v.IsOpen() {
			open++
		}
		for _, w := range sorted[i+1:] {
			if v.Interval().Overlaps(w.Interval()) {
				return &ConflictError{Proposed: w.Interval(), Conflicts: []Vigency{v}}
			}
		}
	}
	if open > 1 {
		return fmt.Errorf("vigency: %d open vigencies for client %s", open, sorted[0].ClientID)
	}
	return nil
}
