package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DurableStore is a Store that can enumerate its contents, so a process can
// rebuild its in-memory copy on start-up.
type DurableStore[T any] interface {
	Store[T]
	All(ctx context.Context) ([]Entry[T], error)
	DeleteFamily(ctx context.Context, key string) error
}

// Layered serves reads from memory and writes through to a durable store.
// Durable write failures are logged and do not fail the operation; the
// memory copy stays authoritative for the life of the process.
type Layered[T any] struct {
	mem     *MemoryStore[T]
	durable DurableStore[T]
	logger  *slog.Logger
}

func NewLayered[T any](durable DurableStore[T], logger *slog.Logger) *Layered[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layered[T]{
		mem:     NewMemoryStore[T](),
		durable: durable,
		logger:  logger.With("component", "cache.layered"),
	}
}

// Warm loads durable entries that are still valid at now into memory.
// Expired entries are deleted from the durable store at load time rather
// than lazily. It returns the number of entries loaded and discarded.
func (l *Layered[T]) Warm(ctx context.Context, now time.Time) (loaded, discarded int, err error) {
	entries, err := l.durable.All(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("warm cache: %w", err)
	}
	for _, e := range entries {
		if !e.Valid(now) {
			if err := l.durable.Delete(ctx, e.Key); err != nil {
				l.logger.Warn("failed to discard expired entry", "key", e.Key, "error", err)
			}
			discarded++
			continue
		}
		_ = l.mem.Save(ctx, e)
		loaded++
	}
	return loaded, discarded, nil
}

func (l *Layered[T]) Load(ctx context.Context, key string) (Entry[T], bool, error) {
	return l.mem.Load(ctx, key)
}

func (l *Layered[T]) Save(ctx context.Context, e Entry[T]) error {
	_ = l.mem.Save(ctx, e)
	if err := l.durable.Save(ctx, e); err != nil {
		l.logger.Warn("durable cache write failed", "key", e.Key, "error", err)
	}
	return nil
}

func (l *Layered[T]) Delete(ctx context.Context, key string) error {
	_ = l.mem.Delete(ctx, key)
	if err := l.durable.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete durable entry: %w", err)
	}
	return nil
}

// DeleteFamily removes key and all of its context partitions.
func (l *Layered[T]) DeleteFamily(ctx context.Context, key string) error {
	_ = l.mem.DeleteFamily(ctx, key)
	if err := l.durable.DeleteFamily(ctx, key); err != nil {
		return fmt.Errorf("delete durable entries: %w", err)
	}
	return nil
}

func (l *Layered[T]) Len() int {
	return l.mem.Len()
}
