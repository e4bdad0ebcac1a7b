package audit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// Reader provides filtered access to stored entries.
type Reader interface {
	Query(ctx context.Context, f Filters, beforeID int64, limit int) ([]Entry, error)
}

// Service answers audit log queries.
type Service struct {
	repo Reader
}

// NewService builds the query service.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// Query returns one page of entries, newest first. The cursor of the returned page resumes
// after its last entry.
func (s *Service) Query(ctx context.Context, f Filters, page shared.PageRequest) (Page, error) {
	if s.repo == nil {
		return Page{}, fmt.Errorf("audit: repository not configured")
	}
	if err := checkRange(f); err != nil {
		return Page{}, err
	}
	var beforeID int64
	if page.Cursor != "" {
		parts, err := shared.DecodeCursor(page.Cursor, 1)
		if err != nil {
			return Page{}, err
		}
		beforeID, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil || beforeID <= 0 {
			return Page{}, shared.ErrInvalidCursor
		}
	}
	size := page.Size()
	entries, err := s.repo.Query(ctx, f, beforeID, size+1)
	if err != nil {
		return Page{}, err
	}
	result := Page{Entries: entries}
	if len(entries) > size {
		result.Entries = entries[:size]
		last := result.Entries[size-1]
		result.NextCursor = shared.EncodeCursor(strconv.FormatInt(last.ID, 10))
	}
	return result, nil
}

// All returns every matching entry in one server-side pass.
func (s *Service) All(ctx context.Context, f Filters) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	if err := checkRange(f); err != nil {
		return nil, err
	}
	return s.repo.Query(ctx, f, 0, 0)
}

func checkRange(f Filters) error {
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return ErrInvalidRange
	}
	return nil
}
