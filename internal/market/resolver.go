// Package market is the origin-side resolution pipeline: cache lookup,
// catalog search, price normalization and write-through.
package market

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
	"github.com/kjannette/cardvault-backend/internal/merger"
	"github.com/kjannette/cardvault-backend/internal/models"
	"github.com/kjannette/cardvault-backend/internal/pricing"
	"github.com/kjannette/cardvault-backend/internal/query"
	"golang.org/x/sync/singleflight"
)

var ErrEmptyName = errors.New("product name is empty")

const defaultLookupTimeout = 45 * time.Second

type Config struct {
	Tier         *cache.Tier[models.ProductPriceRecord]
	Merger       *merger.Merger
	Normalizer   *pricing.Normalizer
	Ceiling      *governor.Ceiling
	Orchestrator *batch.Orchestrator
	// LookupTimeout bounds one catalog lookup shared by concurrent callers.
	LookupTimeout time.Duration
	Logger        *slog.Logger
}

type Resolver struct {
	tier          *cache.Tier[models.ProductPriceRecord]
	merger        *merger.Merger
	normalizer    *pricing.Normalizer
	ceiling       *governor.Ceiling
	orchestrator  *batch.Orchestrator
	lookupTimeout time.Duration
	logger        *slog.Logger

	flights singleflight.Group
}

func New(cfg Config) (*Resolver, error) {
	if cfg.Tier == nil || cfg.Merger == nil || cfg.Normalizer == nil || cfg.Ceiling == nil {
		return nil, errors.New("market: tier, merger, normalizer and ceiling are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Orchestrator == nil {
		cfg.Orchestrator = batch.New(batch.WithLogger(cfg.Logger))
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	return &Resolver{
		tier:          cfg.Tier,
		merger:        cfg.Merger,
		normalizer:    cfg.Normalizer,
		ceiling:       cfg.Ceiling,
		orchestrator:  cfg.Orchestrator,
		lookupTimeout: cfg.LookupTimeout,
		logger:        cfg.Logger.With("component", "resolver"),
	}, nil
}

// ResolveOne returns the market record for name, from cache when fresh.
// Unknown products come back as a not_found result with a nil error.
func (r *Resolver) ResolveOne(ctx context.Context, name string) (models.Result, error) {
	return r.resolve(ctx, name, false)
}

// ResolveExhaustive is ResolveOne with every search term and catalog
// consulted on a miss.
func (r *Resolver) ResolveExhaustive(ctx context.Context, name string) (models.Result, error) {
	return r.resolve(ctx, name, true)
}

// ResolveBatch resolves names in chunks. A batch always runs to completion:
// cancelling ctx, for example by the requester disconnecting, does not stop
// the remaining chunks.
func (r *Resolver) ResolveBatch(ctx context.Context, names []string, opts batch.Options, exhaustive bool) *batch.Job {
	return r.orchestrator.Run(context.WithoutCancel(ctx), names, opts, func(ctx context.Context, name string) (models.Result, error) {
		return r.resolve(ctx, name, exhaustive)
	})
}

// RunBatch is ResolveBatch with a per-run progress callback.
func (r *Resolver) RunBatch(ctx context.Context, names []string, opts batch.Options, exhaustive bool, progress func(batch.Progress)) *batch.Job {
	o := batch.New(batch.WithLogger(r.logger), batch.WithProgress(progress))
	return o.Run(context.WithoutCancel(ctx), names, opts, func(ctx context.Context, name string) (models.Result, error) {
		return r.resolve(ctx, name, exhaustive)
	})
}

func (r *Resolver) Invalidate(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	return r.tier.Invalidate(ctx, query.Key(name))
}

func (r *Resolver) QuotaStatus(ctx context.Context) (models.QuotaStatus, error) {
	return r.ceiling.Status(ctx)
}

func (r *Resolver) resolve(ctx context.Context, name string, exhaustive bool) (models.Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Result{}, ErrEmptyName
	}
	key := query.Key(name)

	rec, ok, err := r.tier.Get(ctx, key)
	if err != nil {
		r.logger.Warn("origin cache read failed, treating as miss", "key", key, "error", err)
	} else if ok {
		return models.Result{Query: name, Key: key, Status: models.StatusOK, Record: &rec}, nil
	}

	flight := key
	if exhaustive {
		flight += "\x00exhaustive"
	}
	v, err, shared := r.flights.Do(flight, func() (any, error) {
		// detached so one caller giving up does not fail the others
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		return r.lookup(lctx, name, key, exhaustive)
	})
	if shared {
		r.logger.Debug("joined in-flight lookup", "key", key)
	}
	if err != nil {
		return models.Result{}, err
	}
	res := v.(models.Result)
	res.Query = name
	if res.Record != nil {
		rc := *res.Record
		res.Record = &rc
	}
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, name, key string, exhaustive bool) (models.Result, error) {
	match, err := r.merger.Resolve(ctx, name, exhaustive)
	switch {
	case errors.Is(err, governor.ErrQuotaExceeded):
		return r.staleFallback(ctx, name, key, err)
	case errors.Is(err, merger.ErrProvidersUnavailable):
		return r.staleFallback(ctx, name, key, err)
	case err != nil:
		return models.Result{}, fmt.Errorf("resolve %q: %w", name, err)
	case match == nil:
		r.logger.Info("product not found in any catalog", "key", key)
		return models.Result{Query: name, Key: key, Status: models.StatusNotFound}, nil
	}

	val := r.normalizer.Normalize(match.Record.Prices)
	now := r.tier.Now()
	rec := models.ProductPriceRecord{
		Name:                  match.Record.Name,
		SetName:               match.Record.SetName,
		Rarity:                match.Record.Rarity,
		ImageURL:              match.Record.ImageURL,
		MarketValueMinorUnits: val.MinorUnits,
		Priced:                val.Found,
		PriceSource:           match.Source,
		Historical:            val.Historical,
		Trend:                 models.DeriveTrend(val.Historical),
		FetchedAt:             now,
		ExpiresAt:             now.Add(r.tier.TTL()),
	}

	if entry, err := r.tier.Put(ctx, key, rec); err != nil {
		r.logger.Warn("origin cache write failed", "key", key, "error", err)
	} else {
		rec.FetchedAt, rec.ExpiresAt = entry.CachedAt, entry.ExpiresAt
	}

	r.logger.Info("resolved",
		"key", key,
		"match", rec.Name,
		"source", rec.PriceSource,
		"value", rec.MarketValueMinorUnits,
		"basis", val.Basis,
		"attempts", match.Attempts,
		"candidates", match.Candidates,
	)
	return models.Result{Query: name, Key: key, Status: models.StatusOK, Record: &rec}, nil
}

// staleFallback serves an expired origin entry, labelled as stale, when a
// fresh lookup is not possible. Without one the cause is returned.
func (r *Resolver) staleFallback(ctx context.Context, name, key string, cause error) (models.Result, error) {
	entry, ok, err := r.tier.GetStale(ctx, key)
	if err != nil {
		r.logger.Warn("stale read failed", "key", key, "error", err)
	}
	if !ok || err != nil {
		return models.Result{}, cause
	}
	rec := entry.Payload
	quota := errors.Is(cause, governor.ErrQuotaExceeded)
	r.logger.Info("serving stale entry", "key", key, "cause", cause, "expiredAt", entry.ExpiresAt)
	return models.Result{
		Query:         name,
		Key:           key,
		Status:        models.StatusStale,
		Record:        &rec,
		Stale:         true,
		QuotaExceeded: quota,
		Error:         cause.Error(),
	}, nil
}
