// Package client is the dashboard-side entry point to market data. It keeps
// its own cache tier in front of the origin and applies the soft weekly
// schedule to background refreshes.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kjannette/cardvault-backend/internal/batch"
	"github.com/kjannette/cardvault-backend/internal/cache"
	"github.com/kjannette/cardvault-backend/internal/governor"
	"github.com/kjannette/cardvault-backend/internal/market"
	"github.com/kjannette/cardvault-backend/internal/models"
	"github.com/kjannette/cardvault-backend/internal/pricing"
	"github.com/kjannette/cardvault-backend/internal/query"
)

// Upstream is where client-tier misses go. Both *market.Resolver and
// *OriginClient satisfy it.
type Upstream interface {
	ResolveOne(ctx context.Context, name string) (models.Result, error)
	Invalidate(ctx context.Context, name string) error
	QuotaStatus(ctx context.Context) (models.QuotaStatus, error)
}

// Store is the client tier's storage. DeleteFamily removes a key together
// with its context partitions.
type Store interface {
	cache.Store[models.ProductPriceRecord]
	DeleteFamily(ctx context.Context, key string) error
}

type Config struct {
	Upstream      Upstream
	Store         Store
	TTL           time.Duration
	Schedule      *governor.Schedule
	Orchestrator  *batch.Orchestrator
	MarkupPercent float64
	Now           func() time.Time
	Logger        *slog.Logger
}

type Client struct {
	upstream     Upstream
	store        Store
	tier         *cache.Tier[models.ProductPriceRecord]
	schedule     *governor.Schedule
	orchestrator *batch.Orchestrator
	markup       float64
	logger       *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.Upstream == nil || cfg.Store == nil || cfg.Schedule == nil {
		return nil, errors.New("client: upstream, store and schedule are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Orchestrator == nil {
		cfg.Orchestrator = batch.New(batch.WithLogger(cfg.Logger))
	}
	tier, err := cache.NewTier("client", cache.Store[models.ProductPriceRecord](cfg.Store), cfg.TTL,
		cache.WithClock[models.ProductPriceRecord](cfg.Now))
	if err != nil {
		return nil, fmt.Errorf("client tier: %w", err)
	}
	return &Client{
		upstream:     cfg.Upstream,
		store:        cfg.Store,
		tier:         tier,
		schedule:     cfg.Schedule,
		orchestrator: cfg.Orchestrator,
		markup:       cfg.MarkupPercent,
		logger:       cfg.Logger.With("component", "client"),
	}, nil
}

type resolveOptions struct {
	context string
}

type ResolveOption func(*resolveOptions)

// WithContextKey partitions the cached entry, e.g. by condition or language,
// so the same name can hold separate records.
func WithContextKey(c string) ResolveOption {
	return func(o *resolveOptions) { o.context = strings.TrimSpace(c) }
}

// ResolveOne is an on-demand lookup. It is subject to the origin's daily
// ceiling but never to the soft schedule.
func (c *Client) ResolveOne(ctx context.Context, name string, opts ...ResolveOption) (models.Result, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Result{}, market.ErrEmptyName
	}
	key := query.ContextKey(name, o.context)

	if rec, ok, err := c.tier.Get(ctx, key); err != nil {
		c.logger.Warn("client cache read failed, treating as miss", "key", key, "error", err)
	} else if ok {
		return models.Result{Query: name, Key: key, Status: models.StatusOK, Record: &rec}, nil
	}

	res, err := c.upstream.ResolveOne(ctx, name)
	if err != nil {
		if errors.Is(err, market.ErrEmptyName) || ctx.Err() != nil {
			return models.Result{}, err
		}
		return c.staleFallback(ctx, name, key, err)
	}
	res.Query = name
	res.Key = key

	if res.Status == models.StatusOK && res.Record != nil {
		if _, err := c.tier.Put(ctx, key, *res.Record); err != nil {
			c.logger.Warn("client cache write failed", "key", key, "error", err)
		}
	}
	return res, nil
}

// staleFallback serves an expired client entry when the origin cannot
// answer. Without one the upstream error is returned.
func (c *Client) staleFallback(ctx context.Context, name, key string, cause error) (models.Result, error) {
	entry, ok, err := c.tier.GetStale(ctx, key)
	if err != nil || !ok {
		return models.Result{}, cause
	}
	rec := entry.Payload
	c.logger.Info("serving stale client entry", "key", key, "cause", cause)
	return models.Result{
		Query:         name,
		Key:           key,
		Status:        models.StatusStale,
		Record:        &rec,
		Stale:         true,
		QuotaExceeded: errors.Is(cause, governor.ErrQuotaExceeded),
		Error:         cause.Error(),
	}, nil
}

type BatchOptions struct {
	BatchSize       int
	InterBatchDelay time.Duration
	// Background marks a scheduled sweep rather than a user action. Off the
	// assigned weekday it is answered from cache only.
	Background bool
}

// ResolveBatch resolves names in chunks. Once started, the batch runs to
// completion even if ctx is cancelled.
func (c *Client) ResolveBatch(ctx context.Context, names []string, opts BatchOptions) (*batch.Job, error) {
	resolve := func(ctx context.Context, name string) (models.Result, error) {
		return c.ResolveOne(ctx, name)
	}
	if opts.Background {
		today, err := c.schedule.IsToday(ctx)
		if err != nil {
			return nil, err
		}
		if !today {
			c.logger.Info("background refresh outside assigned weekday, serving from cache", "items", len(names))
			resolve = c.fromCache
		}
	}
	return c.orchestrator.Run(context.WithoutCancel(ctx), names, batch.Options{
		BatchSize:       opts.BatchSize,
		InterBatchDelay: opts.InterBatchDelay,
	}, resolve), nil
}

// fromCache answers without touching the origin: a valid entry, else a
// labelled stale one, else skipped.
func (c *Client) fromCache(ctx context.Context, name string) (models.Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Result{}, market.ErrEmptyName
	}
	key := query.Key(name)
	entry, ok, err := c.tier.GetStale(ctx, key)
	if err != nil {
		return models.Result{}, err
	}
	if !ok {
		return models.Result{Query: name, Key: key, Status: models.StatusSkipped}, nil
	}
	rec := entry.Payload
	if entry.Valid(c.tier.Now()) {
		return models.Result{Query: name, Key: key, Status: models.StatusOK, Record: &rec}, nil
	}
	return models.Result{Query: name, Key: key, Status: models.StatusStale, Record: &rec, Stale: true}, nil
}

// Invalidate drops the name from the client tier, including its context
// partitions, and from the origin.
func (c *Client) Invalidate(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return market.ErrEmptyName
	}
	local := c.store.DeleteFamily(ctx, query.Key(name))
	if local != nil {
		local = fmt.Errorf("client tier: %w", local)
	}
	return errors.Join(local, c.upstream.Invalidate(ctx, name))
}

func (c *Client) QuotaStatus(ctx context.Context) (models.QuotaStatus, error) {
	return c.upstream.QuotaStatus(ctx)
}

func (c *Client) Schedule(ctx context.Context) (models.ClientSchedule, error) {
	return c.schedule.Status(ctx)
}

func (c *Client) ResetSchedule(ctx context.Context) (models.ClientSchedule, error) {
	if _, err := c.schedule.Reset(ctx); err != nil {
		return models.ClientSchedule{}, err
	}
	return c.schedule.Status(ctx)
}

// ApplyEstimates fills results that carry no record with a cost-plus-markup
// estimate, for names with a known cost basis. Estimates are never cached.
// It returns how many results were filled.
func (c *Client) ApplyEstimates(results map[string]models.Result, costs map[string]int64) int {
	now := c.tier.Now()
	n := 0
	for name, res := range results {
		if res.HasData() {
			continue
		}
		cost, ok := costs[name]
		if !ok {
			continue
		}
		rec := pricing.EstimateFromCost(name, cost, c.markup, now, c.tier.TTL())
		res.Record = &rec
		results[name] = res
		n++
	}
	return n
}
