package recalc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/baseline-engine/internal/platform/db"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// ErrResultNotFound occurs when a period has never been calculated.
var ErrResultNotFound = fmt.Errorf("recalc: result %w", shared.ErrNotFound)

// Repository persists period_calculation_result rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const upsertResult = `INSERT INTO period_calculation_result (client_id, month, year, status, computed_at, error_message, output)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (client_id, month, year) DO UPDATE
SET status = EXCLUDED.status,
    computed_at = EXCLUDED.computed_at,
    error_message = EXCLUDED.error_message,
    output = EXCLUDED.output`

// SaveResults upserts every result of a run in one transaction.
func (r *Repository) SaveResults(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, res := range results {
			var output []byte
			if res.Output != nil {
				encoded, err := json.Marshal(res.Output)
				if err != nil {
					return fmt.Errorf("recalc: encode output %s: %w", res.Period(), err)
				}
				output = encoded
			}
			batch.Queue(upsertResult, res.ClientID, res.Month, res.Year, string(res.Status),
				res.ComputedAt, optionalText(res.ErrorMessage), output)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("recalc: upsert results: %w", err)
		}
		return nil
	})
}

// Get loads the stored result of one period.
func (r *Repository) Get(ctx context.Context, clientID string, period shared.Period) (Result, error) {
	row := r.pool.QueryRow(ctx, `SELECT client_id, month, year, status, computed_at, error_message, output
FROM period_calculation_result
WHERE client_id = $1 AND month = $2 AND year = $3`, clientID, period.Month, period.Year)
	res, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, ErrResultNotFound
	}
	if err != nil {
		return Result{}, shared.Persistence("recalc: get result", err)
	}
	return res, nil
}

// StoredPeriodsFrom lists every period with a stored result at or after from, ascending.
func (r *Repository) StoredPeriodsFrom(ctx context.Context, clientID string, from shared.Period) ([]shared.Period, error) {
	return r.periods(ctx, `SELECT month, year FROM period_calculation_result
WHERE client_id = $1 AND (year, month) >= ($2, $3)
ORDER BY year, month`, clientID, from.Year, from.Month)
}

// SuccessfulPeriods lists successful periods inside [from, to], ascending. A nil to is unbounded.
func (r *Repository) SuccessfulPeriods(ctx context.Context, clientID string, from shared.Period, to *shared.Period) ([]shared.Period, error) {
	var toYear, toMonth pgtype.Int4
	if to != nil {
		toYear = pgtype.Int4{Int32: int32(to.Year), Valid: true}
		toMonth = pgtype.Int4{Int32: int32(to.Month), Valid: true}
	}
	return r.periods(ctx, `SELECT month, year FROM period_calculation_result
WHERE client_id = $1 AND status = 'success'
  AND (year, month) >= ($2, $3)
  AND ($4::int IS NULL OR (year, month) <= ($4, $5::int))
ORDER BY year, month`, clientID, from.Year, from.Month, toYear, toMonth)
}

func (r *Repository) periods(ctx context.Context, sql string, args ...any) ([]shared.Period, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, shared.Persistence("recalc: list periods", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (shared.Period, error) {
		var p shared.Period
		err := row.Scan(&p.Month, &p.Year)
		return p, err
	})
	if err != nil {
		return nil, shared.Persistence("recalc: scan periods", err)
	}
	return out, nil
}

func scanResult(row pgx.Row) (Result, error) {
	var (
		res    Result
		status string
		errMsg pgtype.Text
		output []byte
	)
	if err := row.Scan(&res.ClientID, &res.Month, &res.Year, &status, &res.ComputedAt, &errMsg, &output); err != nil {
		return Result{}, err
	}
	res.Status = Status(status)
	res.ErrorMessage = errMsg.String
	if len(output) > 0 {
		var out Output
		if err := json.Unmarshal(output, &out); err != nil {
			return Result{}, fmt.Errorf("recalc: decode output: %w", err)
		}
		res.Output = &out
	}
	return res, nil
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}
