package shared

import (
	"encoding/base64"
	"errors"
	"strings"
)

const (
	// DefaultPageSize applies when the caller does not ask for a size.
	DefaultPageSize = 20
	// MaxPageSize caps a single page.
	MaxPageSize = 100
)

// ErrInvalidCursor indicates a cursor that was not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// PageRequest carries keyset pagination input.
type PageRequest struct {
	Cursor string
	Limit  int
}

// Size returns the effective page size.
func (p PageRequest) Size() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageSize
	case p.Limit > MaxPageSize:
		return MaxPageSize
	}
	return p.Limit
}

// EncodeCursor packs ordering key parts into an opaque token.
func EncodeCursor(parts ...string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, "|")))
}

// DecodeCursor unpacks a token produced by EncodeCursor, expecting n parts.
func DecodeCursor(cursor string, n int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != n {
		return nil, ErrInvalidCursor
	}
	return parts, nil
}
