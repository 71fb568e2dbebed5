package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kjannette/cardvault-backend/internal/api"
	"github.com/kjannette/cardvault-backend/internal/cache"
	"github.com/kjannette/cardvault-backend/internal/config"
	"github.com/kjannette/cardvault-backend/internal/db"
	"github.com/kjannette/cardvault-backend/internal/external"
	"github.com/kjannette/cardvault-backend/internal/governor"
	"github.com/kjannette/cardvault-backend/internal/market"
	"github.com/kjannette/cardvault-backend/internal/merger"
	"github.com/kjannette/cardvault-backend/internal/models"
	"github.com/kjannette/cardvault-backend/internal/notifications"
	"github.com/kjannette/cardvault-backend/internal/pricing"
	"github.com/kjannette/cardvault-backend/internal/repository"
	"golang.org/x/sync/errgroup"
)

const banner = `
╔══════════════════════════════════════╗
║    CardVault Market Data Origin      ║
║                                      ║
╚══════════════════════════════════════╝
`

func main() {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg.Print()
	logger := cfg.Logger()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	fmt.Println("Shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	logger.Info("connecting to database", "host", cfg.DBHost, "port", cfg.DBPort, "db", cfg.DBName)
	pool, err := db.Connect(ctx, cfg.DSN(), int32(cfg.DBMaxConns))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer func() {
		pool.Close()
		logger.Info("connection pool closed")
	}()

	now, err := db.ServerTime(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("database connected", "serverTime", now.UTC().Format(time.RFC3339))
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Repos
	cacheRepo := repository.NewMarketCacheRepo(pool)
	quotaRepo := repository.NewQuotaRepo(pool)

	// Notifications
	notify := notifications.NewSender(cfg.WebhookURL, cfg.ServiceName, logger)

	// Hard ceiling over every provider call
	ceiling, err := governor.NewCeiling(quotaRepo, governor.CeilingConfig{
		Limit:       cfg.DailyCallLimit,
		Location:    cfg.Location(),
		WarnPercent: cfg.QuotaWarnPercent,
		Logger:      logger,
		OnNotice: func(n governor.Notice) {
			go func() {
				sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := notify.Send(sctx, notifications.QuotaMessage(n.Level, n.Status)); err != nil {
					logger.Warn("quota notice not delivered", "error", err)
				}
			}()
		},
	})
	if err != nil {
		return err
	}

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return err
	}

	policy, err := pricing.PolicyByName(cfg.MagnitudePolicy)
	if err != nil {
		return err
	}
	rates, err := pricing.ParseRates(cfg.FXRates)
	if err != nil {
		return err
	}
	normalizer := pricing.NewNormalizer(cfg.ReferenceCurrency, rates, policy)
	logger.Info("price normalizer ready", "reference", normalizer.Reference(), "policy", normalizer.PolicyName())

	tier, err := cache.NewTier[models.ProductPriceRecord]("origin", cacheRepo, cfg.OriginCacheTTL)
	if err != nil {
		return err
	}

	resolver, err := market.New(market.Config{
		Tier:       tier,
		Merger:     merger.New(ceiling.MeterAll(adapters), merger.WithLogger(logger)),
		Normalizer: normalizer,
		Ceiling:    ceiling,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	srv := api.NewServer(resolver, pool, api.ServerConfig{
		Port:       cfg.APIPort,
		APIKey:     cfg.APIKey,
		CORSOrigin: cfg.CORSAllowOrigin,
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	// 1. API server
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// 2. Expired origin entries
	g.Go(func() error {
		purgeLoop(gctx, cacheRepo, cfg.PurgeInterval, cfg.StaleRetention, logger)
		return nil
	})

	// 3. Shutdown on signal or first failure
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown error", "error", err)
		}
		logger.Info("api server closed")
		return nil
	})

	logger.Info("all services started", "providers", len(adapters))
	return g.Wait()
}

func buildAdapters(cfg *config.Config, logger *slog.Logger) ([]external.Adapter, error) {
	adapters := make([]external.Adapter, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		opts := external.Options{
			Name:          p.Name,
			BaseURL:       p.BaseURL,
			APIKey:        p.APIKey,
			Source:        models.PriceSource(p.Source),
			PageSize:      p.PageSize,
			MaxPages:      p.MaxPages,
			Timeout:       p.Timeout,
			RatePerSecond: p.RatePerSecond,
			Logger:        logger,
		}
		switch p.Kind {
		case config.KindTCGAPI:
			adapters = append(adapters, external.NewTCGAPIAdapter(opts))
		case config.KindPriceGuide:
			adapters = append(adapters, external.NewPriceGuideAdapter(opts))
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
	}
	if len(adapters) == 0 {
		return nil, errors.New("no providers configured")
	}
	return adapters, nil
}

// purgeLoop deletes origin entries that expired more than retention ago.
// Recently expired entries stay to back stale fallbacks.
func purgeLoop(ctx context.Context, repo *repository.MarketCacheRepo, every, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeExpired(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("origin cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired origin entries", "count", n)
			}
		}
	}
}
