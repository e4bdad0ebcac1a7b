package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// Action names a mutating operation. Values outside the known vocabulary are accepted but
// reported by Known.
type Action string

const (
	ActionVigencyCreated        Action = "vigency.created"
	ActionVigencyClosed         Action = "vigency.closed"
	ActionVigencyUpdated        Action = "vigency.updated"
	ActionVigencyDeleted        Action = "vigency.deleted"
	ActionPeriodRecalculated    Action = "period.recalculated"
	ActionPeriodFailed          Action = "period.recalculation_failed"
	ActionPeriodTimedOut        Action = "period.recalculation_timeout"
	ActionRecalculationFinished Action = "recalculation.finished"
)

var vocabulary = map[Action]struct{}{
	ActionVigencyCreated:        {},
	ActionVigencyClosed:         {},
	ActionVigencyUpdated:        {},
	ActionVigencyDeleted:        {},
	ActionPeriodRecalculated:    {},
	ActionPeriodFailed:          {},
	ActionPeriodTimedOut:        {},
	ActionRecalculationFinished: {},
}

// Known reports whether a belongs to the action vocabulary.
func (a Action) Known() bool {
	_, ok := vocabulary[a]
	return ok
}

// Entry is an immutable audit record.
type Entry struct {
	ID          int64          `json:"id"`
	ClientID    string         `json:"client_id"`
	Action      Action         `json:"action"`
	Description string         `json:"description"`
	ActorID     string         `json:"actor_id"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate ensures mandatory fields are present.
func (e Entry) Validate() error {
	if e.ClientID == "" || e.Action == "" || e.ActorID == "" {
		return errors.New("audit: entry requires client/action/actor")
	}
	return nil
}

// Filters narrows audit queries. Zero values are ignored.
type Filters struct {
	ClientID string
	ActorID  string
	Action   Action
	// Search matches description and action, case-insensitively.
	Search string
	From   time.Time
	To     time.Time
}

// Page is one page of entries, newest first.
type Page struct {
	Entries    []Entry `json:"entries"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// ErrInvalidRange occurs when From is after To.
var ErrInvalidRange = fmt.Errorf("audit: %w: from must not be after to", shared.ErrPrecondition)
