// Package localstore is the client's durable side-store: cached market
// records, the assigned refresh weekday and the client's identity, in one
// SQLite file.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kjannette/cardvault-backend/internal/cache"
	"github.com/kjannette/cardvault-backend/internal/models"
	_ "modernc.org/sqlite"
)

type Entry = cache.Entry[models.ProductPriceRecord]

const (
	metaWeekday  = "schedule_weekday"
	metaClientID = "client_id"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxLifetime(0)

	s := &Store{db: sqldb}
	if err := s.migrate(context.Background()); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS client_cache (
			cache_key  TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			cached_at  INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_client_cache_expires ON client_cache(expires_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- cache rows ---

func (s *Store) Load(ctx context.Context, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, payload, cached_at, expires_at FROM client_cache WHERE cache_key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *Store) Save(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO client_cache(cache_key, payload, cached_at, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(cache_key) DO UPDATE SET payload=excluded.payload, cached_at=excluded.cached_at, expires_at=excluded.expires_at`,
		e.Key, string(payload), e.CachedAt.UnixMilli(), e.ExpiresAt.UnixMilli())
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM client_cache WHERE cache_key = ?`, key)
	return err
}

// DeleteFamily removes key and every context partition of it ("key|...").
func (s *Store) DeleteFamily(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM client_cache WHERE cache_key = ? OR substr(cache_key, 1, ?) = ?`,
		key, len(key)+1, key+"|")
	return err
}

func (s *Store) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cache_key, payload, cached_at, expires_at FROM client_cache ORDER BY cache_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (Entry, error) {
	var (
		e                  Entry
		payload            string
		cachedAt, expireAt int64
	)
	if err := row.Scan(&e.Key, &payload, &cachedAt, &expireAt); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return Entry{}, fmt.Errorf("decode payload for %q: %w", e.Key, err)
	}
	e.CachedAt = time.UnixMilli(cachedAt).UTC()
	e.ExpiresAt = time.UnixMilli(expireAt).UTC()
	return e, nil
}

// --- meta ---

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

func (s *Store) LoadWeekday(ctx context.Context) (time.Weekday, bool, error) {
	v, ok, err := s.getMeta(ctx, metaWeekday)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 6 {
		return 0, false, nil
	}
	return time.Weekday(n), true, nil
}

func (s *Store) SaveWeekday(ctx context.Context, d time.Weekday) error {
	return s.setMeta(ctx, metaWeekday, strconv.Itoa(int(d)))
}

// ClientID returns this installation's id, creating one on first use.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	v, ok, err := s.getMeta(ctx, metaClientID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	id := uuid.NewString()
	if err := s.setMeta(ctx, metaClientID, id); err != nil {
		return "", err
	}
	return id, nil
}
