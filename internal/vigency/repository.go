package vigency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/baseline-engine/internal/platform/db"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists vigencies in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository bound to pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const vigencyColumns = `id, client_id, baseline_hours::text, start_date, end_date, reason, created_at, updated_at`

// ListByClient returns every vigency of a client ordered by start date.
func (r *Repository) ListByClient(ctx context.Context, clientID string) ([]Vigency, error) {
	return listByClient(ctx, r.pool, clientID, false)
}

// Get loads a vigency by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Vigency, error) {
	return get(ctx, r.pool, id, false)
}

// Page returns up to limit vigencies strictly after the cursor in (start_date desc, id desc) order.
func (r *Repository) Page(ctx context.Context, clientID string, after *Cursor, limit int) ([]Vigency, error) {
	var (
		afterStart pgtype.Date
		afterID    pgtype.UUID
	)
	if after != nil {
		afterStart = pgtype.Date{Time: after.StartDate, Valid: true}
		afterID = pgtype.UUID{Bytes: after.ID, Valid: true}
	}
	rows, err := r.pool.Query(ctx, `SELECT `+vigencyColumns+`
FROM vigency
WHERE client_id = $1
  AND ($2::date IS NULL OR (start_date, id) < ($2, $3::uuid))
ORDER BY start_date DESC, id DESC
LIMIT $4`, clientID, afterStart, afterID, limit)
	if err != nil {
		return nil, shared.Persistence("vigency: page", err)
	}
	vs, err := pgx.CollectRows(rows, collectVigency)
	if err != nil {
		return nil, shared.Persistence("vigency: scan page", err)
	}
	return vs, nil
}

// WithClientTx runs fn in a transaction holding the client's advisory write lock, so
// concurrent mutations for one client are serialised. committed runs after the commit while
// the lock is still held.
func (r *Repository) WithClientTx(ctx context.Context, clientID string, fn func(ctx context.Context, tx TxStore) error, committed func(ctx context.Context)) error {
	var fnErr error
	err := db.WithLockedTx(ctx, r.pool, "vigency:"+clientID, func(tx pgx.Tx) error {
		fnErr = fn(ctx, &txRepository{tx: tx})
		return fnErr
	}, committed)
	if err != nil && fnErr == nil {
		return shared.Persistence("vigency: client tx", err)
	}
	return err
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) ListByClient(ctx context.Context, clientID string) ([]Vigency, error) {
	return listByClient(ctx, t.tx, clientID, true)
}

func (t *txRepository) Get(ctx context.Context, id uuid.UUID) (Vigency, error) {
	return get(ctx, t.tx, id, true)
}

func (t *txRepository) Insert(ctx context.Context, v Vigency) (Vigency, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO vigency (id, client_id, baseline_hours, start_date, end_date, reason, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
RETURNING `+vigencyColumns,
		v.ID, v.ClientID, v.BaselineHours.String(), toPgDate(&v.StartDate), toPgDate(v.EndDate), string(v.Reason), v.CreatedAt, v.UpdatedAt)
	created, err := scanVigency(row)
	if err != nil {
		return Vigency{}, shared.Persistence("vigency: insert", err)
	}
	return created, nil
}

func (t *txRepository) Update(ctx context.Context, v Vigency) (Vigency, error) {
	row := t.tx.QueryRow(ctx, `UPDATE vigency
SET baseline_hours = $2::numeric, start_date = $3, end_date = $4, reason = $5, updated_at = $6
WHERE id = $1
RETURNING `+vigencyColumns,
		v.ID, v.BaselineHours.String(), toPgDate(&v.StartDate), toPgDate(v.EndDate), string(v.Reason), v.UpdatedAt)
	updated, err := scanVigency(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Vigency{}, ErrVigencyNotFound
	}
	if err != nil {
		return Vigency{}, shared.Persistence("vigency: update", err)
	}
	return updated, nil
}

func (t *txRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM vigency WHERE id = $1`, id)
	if err != nil {
		return shared.Persistence("vigency: delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVigencyNotFound
	}
	return nil
}

func listByClient(ctx context.Context, q querier, clientID string, forUpdate bool) ([]Vigency, error) {
	sql := `SELECT ` + vigencyColumns + ` FROM vigency WHERE client_id = $1 ORDER BY start_date`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, clientID)
	if err != nil {
		return nil, shared.Persistence("vigency: list", err)
	}
	vs, err := pgx.CollectRows(rows, collectVigency)
	if err != nil {
		return nil, shared.Persistence("vigency: scan list", err)
	}
	return vs, nil
}

func get(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (Vigency, error) {
	sql := `SELECT ` + vigencyColumns + ` FROM vigency WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	v, err := scanVigency(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Vigency{}, ErrVigencyNotFound
	}
	if err != nil {
		return Vigency{}, shared.Persistence("vigency: get", err)
	}
	return v, nil
}

func collectVigency(row pgx.CollectableRow) (Vigency, error) {
	return scanVigency(row)
}

func scanVigency(row pgx.Row) (Vigency, error) {
	var (
		v       Vigency
		hours   string
		start   pgtype.Date
		end     pgtype.Date
		reason  string
		created pgtype.Timestamptz
		updated pgtype.Timestamptz
	)
	if err := row.Scan(&v.ID, &v.ClientID, &hours, &start, &end, &reason, &created, &updated); err != nil {
		return Vigency{}, err
	}
	dec, err := decimal.NewFromString(hours)
	if err != nil {
		return Vigency{}, fmt.Errorf("vigency: parse baseline hours %q: %w", hours, err)
	}
	v.BaselineHours = dec
	v.StartDate = shared.DateOf(start.Time)
	if end.Valid {
		e := shared.DateOf(end.Time)
		v.EndDate = &e
	}
	v.Reason = Reason(reason)
	v.CreatedAt = created.Time
	v.UpdatedAt = updated.Time
	return v, nil
}

func toPgDate(t *time.Time) pgtype.Date {
	if t == nil || t.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: shared.DateOf(*t), Valid: true}
}
