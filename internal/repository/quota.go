package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QuotaRepo is the durable daily call ledger. Counts only ever go up.
type QuotaRepo struct {
	pool *pgxpool.Pool
}

func NewQuotaRepo(pool *pgxpool.Pool) *QuotaRepo {
	return &QuotaRepo{pool: pool}
}

// Increment adds one to the count for date if it is below limit, in a
// single statement so concurrent callers can never push it past the limit.
// ok is false when the call was refused.
func (r *QuotaRepo) Increment(ctx context.Context, date string, limit int) (int, bool, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`INSERT INTO quota_ledger (date, count) VALUES ($1, 1)
		 ON CONFLICT (date) DO UPDATE
		 SET count = quota_ledger.count + 1
		 WHERE quota_ledger.count < $2
		 RETURNING count`,
		date, limit,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, cerr := r.Count(ctx, date)
			return current, false, cerr
		}
		return 0, false, err
	}
	return count, true, nil
}

func (r *QuotaRepo) Count(ctx context.Context, date string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count FROM quota_ledger WHERE date = $1`, date).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}
