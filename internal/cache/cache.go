// Package cache implements TTL cache tiers over pluggable stores. Tiers do
// not bound their size or evict by recency; entries leave on expiry or on
// explicit invalidation.
package cache

import (
	"context"
	"errors"
	"time"
)

// Entry is a cached payload. It is valid while now is before ExpiresAt.
type Entry[T any] struct {
	Key       string    `json:"key"`
	Payload   T         `json:"payload"`
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (e Entry[T]) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is the physical storage behind a tier. Load returns expired entries
// too; freshness is the tier's concern.
type Store[T any] interface {
	Load(ctx context.Context, key string) (Entry[T], bool, error)
	Save(ctx context.Context, e Entry[T]) error
	Delete(ctx context.Context, key string) error
}

var ErrInvalidTTL = errors.New("cache ttl must be positive")

type Tier[T any] struct {
	name  string
	store Store[T]
	ttl   time.Duration
	now   func() time.Time
}

type TierOption[T any] func(*Tier[T])

func WithClock[T any](now func() time.Time) TierOption[T] {
	return func(t *Tier[T]) { t.now = now }
}

func NewTier[T any](name string, store Store[T], ttl time.Duration, opts ...TierOption[T]) (*Tier[T], error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	t := &Tier[T]{name: name, store: store, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func (t *Tier[T]) Name() string { return t.name }
func (t *Tier[T]) TTL() time.Duration { return t.ttl }
func (t *Tier[T]) Now() time.Time { return t.now() }

// Get returns the payload only if the entry has not expired.
func (t *Tier[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	e, ok, err := t.store.Load(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	if !e.Valid(t.now()) {
		return zero, false, nil
	}
	return e.Payload, true, nil
}

// GetStale returns the entry whether or not it has expired. Callers use it
// only when a fresh lookup is impossible and must label what they serve.
func (t *Tier[T]) GetStale(ctx context.Context, key string) (Entry[T], bool, error) {
	return t.store.Load(ctx, key)
}

// Put stores payload with expiresAt = now + ttl.
func (t *Tier[T]) Put(ctx context.Context, key string, payload T) (Entry[T], error) {
	now := t.now()
	e := Entry[T]{Key: key, Payload: payload, CachedAt: now, ExpiresAt: now.Add(t.ttl)}
	return e, t.store.Save(ctx, e)
}

func (t *Tier[T]) Invalidate(ctx context.Context, key string) error {
	return t.store.Delete(ctx, key)
}
