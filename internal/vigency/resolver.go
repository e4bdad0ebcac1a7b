package vigency

import (
	"context"
	"time"
)

// Resolve returns the vigency governing date, or nil when no baseline is in effect.
// vs must satisfy the non-overlap invariant, so at most one candidate matches.
func Resolve(vs []Vigency, date time.Time) *Vigency {
	for i := range vs {
		if vs[i].Contains(date) {
			v := vs[i]
			return &v
		}
	}
	return nil
}

// Resolver answers point-in-time lookups against committed vigencies.
type Resolver struct {
	lister Lister
}

// NewResolver builds a resolver.
func NewResolver(lister Lister) *Resolver {
	return &Resolver{lister: lister}
}

// ResolveAt returns the vigency in effect for clientID on date. A nil vigency with a nil error
// means no governing baseline exists for that date.
func (r *Resolver) ResolveAt(ctx context.Context, clientID string, date time.Time) (*Vigency, error) {
	vs, err := r.lister.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return Resolve(vs, date), nil
}
