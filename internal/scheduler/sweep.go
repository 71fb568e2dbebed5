// Package scheduler runs the client's background refresh sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kjannette/cardvault-backend/internal/batch"
	"github.com/kjannette/cardvault-backend/internal/client"
	"github.com/kjannette/cardvault-backend/internal/governor"
	"github.com/kjannette/cardvault-backend/internal/models"
)

// ItemSource lists the product names a sweep refreshes.
type ItemSource func(ctx context.Context) ([]string, error)

// Refresher is the part of the client a sweep drives.
type Refresher interface {
	ResolveBatch(ctx context.Context, names []string, opts client.BatchOptions) (*batch.Job, error)
	Schedule(ctx context.Context) (models.ClientSchedule, error)
}

type SweeperConfig struct {
	Interval        time.Duration // how often to check whether a sweep is due
	SweepTimeout    time.Duration // bounds the schedule check and item listing; the batch itself always completes
	BatchSize       int
	InterBatchDelay time.Duration
	Items           ItemSource
	OnComplete      func(job *batch.Job)
	Now             func() time.Time
	Location        *time.Location
	Logger          *slog.Logger
}

// Sweeper refreshes every tracked item at most once per day, and only on
// the client's assigned weekday.
type Sweeper struct {
	refresher Refresher
	cfg       SweeperConfig
	logger    *slog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	lastSweep string
}

var ErrNoItemSource = errors.New("scheduler: item source is required")

func NewSweeper(refresher Refresher, cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Items == nil {
		return nil, ErrNoItemSource
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		refresher: refresher,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "sweeper"),
	}, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	go func() {
		s.tick()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()

	s.logger.Info("started", "interval", s.cfg.Interval)
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
	s.logger.Info("stopped")
}

func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow sweeps immediately, ignoring whether one already ran today. The
// batch is still a background one, so off the assigned weekday it is
// answered from cache.
func (s *Sweeper) RunNow(ctx context.Context) (*batch.Job, error) {
	s.logger.Info("manual sweep triggered")
	return s.sweep(ctx)
}

// Due reports whether the periodic check would sweep now.
func (s *Sweeper) Due(ctx context.Context) (bool, error) {
	st, err := s.refresher.Schedule(ctx)
	if err != nil {
		return false, err
	}
	if !st.IsToday {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep != governor.ScopeDate(s.cfg.Now(), s.cfg.Location), nil
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepTimeout)
	defer cancel()

	due, err := s.Due(ctx)
	if err != nil {
		s.logger.Error("schedule check failed", "error", err)
		return
	}
	if !due {
		s.logger.Debug("sweep not due")
		return
	}
	if _, err := s.sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

func (s *Sweeper) sweep(ctx context.Context) (*batch.Job, error) {
	names, err := s.cfg.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	job, err := s.refresher.ResolveBatch(ctx, names, client.BatchOptions{
		BatchSize:       s.cfg.BatchSize,
		InterBatchDelay: s.cfg.InterBatchDelay,
		Background:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve batch: %w", err)
	}

	s.mu.Lock()
	s.lastSweep = governor.ScopeDate(s.cfg.Now(), s.cfg.Location)
	s.mu.Unlock()

	s.logger.Info("sweep complete",
		"job", job.ID, "items", len(job.Items), "succeeded", job.Succeeded, "notFound", job.NotFound, "failed", job.Failed)
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(job)
	}
	return job, nil
}
