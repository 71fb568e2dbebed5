package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kjannette/cardvault-backend/internal/cache"
	"github.com/kjannette/cardvault-backend/internal/models"
)

type CacheEntry = cache.Entry[models.ProductPriceRecord]

// MarketCacheRepo is the origin cache store. One row per normalized product
// name; the record is kept as a JSON payload.
type MarketCacheRepo struct {
	pool *pgxpool.Pool
}

func NewMarketCacheRepo(pool *pgxpool.Pool) *MarketCacheRepo {
	return &MarketCacheRepo{pool: pool}
}

func (r *MarketCacheRepo) Load(ctx context.Context, key string) (CacheEntry, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT normalized_name, payload, cached_at, expires_at
		 FROM market_cache WHERE normalized_name = $1`,
		key,
	)
	e, err := scanCacheEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, err
	}
	return e, true, nil
}

func (r *MarketCacheRepo) Save(ctx context.Context, e CacheEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO market_cache (normalized_name, payload, cached_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (normalized_name) DO UPDATE
		 SET payload = EXCLUDED.payload,
		     cached_at = EXCLUDED.cached_at,
		     expires_at = EXCLUDED.expires_at`,
		e.Key, payload, e.CachedAt, e.ExpiresAt,
	)
	return err
}

func (r *MarketCacheRepo) Delete(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM market_cache WHERE normalized_name = $1`, key)
	return err
}

// PurgeExpired removes rows that expired at or before cutoff.
func (r *MarketCacheRepo) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM market_cache WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of rows, expired ones included.
func (r *MarketCacheRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM market_cache`).Scan(&n)
	return n, err
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row scannable) (CacheEntry, error) {
	var e CacheEntry
	var payload []byte
	if err := row.Scan(&e.Key, &payload, &e.CachedAt, &e.ExpiresAt); err != nil {
		return CacheEntry{}, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return CacheEntry{}, fmt.Errorf("decode payload for %q: %w", e.Key, err)
	}
	return e, nil
}
