package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// Repository persists entries in audit_entry.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts an entry and returns it with its id and timestamp.
func (r *Repository) Append(ctx context.Context, e Entry) (Entry, error) {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return Entry{}, err
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO audit_entry (client_id, action, description, actor_id, meta, created_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, clock_timestamp()))
RETURNING id, created_at`,
		e.ClientID, string(e.Action), e.Description, e.ActorID, meta, toPgTime(e.CreatedAt)).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return Entry{}, shared.Persistence("audit: append", err)
	}
	return e, nil
}

const queryEntries = `SELECT id, client_id, action, description, actor_id, meta, created_at
FROM audit_entry
WHERE ($1::text IS NULL OR client_id = $1)
  AND ($2::text IS NULL OR actor_id = $2)
  AND ($3::text IS NULL OR action = $3)
  AND ($4::text IS NULL OR description ILIKE '%' || $4 || '%' ESCAPE '\' OR action ILIKE '%' || $4 || '%' ESCAPE '\')
  AND ($5::timestamptz IS NULL OR created_at >= $5)
  AND ($6::timestamptz IS NULL OR created_at <= $6)
  AND ($7::bigint IS NULL OR id < $7)
ORDER BY id DESC
LIMIT $8`

// Query returns entries matching f, newest first, strictly older than beforeID when set.
// A zero limit returns every match.
func (r *Repository) Query(ctx context.Context, f Filters, beforeID int64, limit int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, queryEntries,
		optionalText(f.ClientID),
		optionalText(f.ActorID),
		optionalText(string(f.Action)),
		optionalText(escapeLike(f.Search)),
		toPgTime(f.From),
		toPgTime(f.To),
		optionalInt8(beforeID),
		optionalInt8(int64(limit)),
	)
	if err != nil {
		return nil, shared.Persistence("audit: query", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, shared.Persistence("audit: scan", err)
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		e      Entry
		action string
		meta   []byte
	)
	if err := row.Scan(&e.ID, &e.ClientID, &action, &e.Description, &e.ActorID, &meta, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Action = Action(action)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func optionalInt8(v int64) pgtype.Int8 {
	if v <= 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: v, Valid: true}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
