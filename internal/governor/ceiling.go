// Package governor enforces the hard daily provider call ceiling and the
// per-client background refresh schedule.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kjannette/cardvault-backend/internal/external"
	"github.com/kjannette/cardvault-backend/internal/models"
)

var ErrQuotaExceeded = errors.New("daily provider call quota exceeded")

// Ledger stores one counter per scope date.
type Ledger interface {
	// Increment adds one to date's count if it is below limit. ok reports
	// whether the increment happened; count is the value afterwards.
	Increment(ctx context.Context, date string, limit int) (count int, ok bool, err error)
	Count(ctx context.Context, date string) (int, error)
}

// Notice is raised once per day per level as usage climbs.
type Notice struct {
	Level  string
	Status models.QuotaStatus
}

const (
	NoticeWarning   = "warning"
	NoticeExhausted = "exhausted"
)

type CeilingConfig struct {
	Limit    int
	Location *time.Location
	// WarnPercent triggers a warning notice once usage reaches it. Zero
	// disables the warning.
	WarnPercent float64
	OnNotice    func(Notice)
	Logger      *slog.Logger
	Now         func() time.Time
}

// Ceiling is the shared hard limit on upstream provider calls per day.
type Ceiling struct {
	ledger Ledger
	cfg    CeilingConfig

	mu       sync.Mutex
	day      string
	notified map[string]bool
}

func NewCeiling(ledger Ledger, cfg CeilingConfig) (*Ceiling, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("daily call limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "ceiling")
	return &Ceiling{ledger: ledger, cfg: cfg, notified: map[string]bool{}}, nil
}

// Acquire charges one provider call against today's quota or returns
// ErrQuotaExceeded without charging.
func (c *Ceiling) Acquire(ctx context.Context) error {
	now := c.cfg.Now()
	date := ScopeDate(now, c.cfg.Location)

	count, ok, err := c.ledger.Increment(ctx, date, c.cfg.Limit)
	if err != nil {
		return fmt.Errorf("quota ledger: %w", err)
	}

	status := models.QuotaStatus{UsedToday: count, Limit: c.cfg.Limit, ResetAt: NextReset(now, c.cfg.Location)}
	if !ok {
		c.notify(date, NoticeExhausted, status)
		return ErrQuotaExceeded
	}

	if count >= c.cfg.Limit {
		c.notify(date, NoticeExhausted, status)
	} else if c.cfg.WarnPercent > 0 && float64(count) >= float64(c.cfg.Limit)*c.cfg.WarnPercent/100 {
		c.notify(date, NoticeWarning, status)
	}
	return nil
}

func (c *Ceiling) Status(ctx context.Context) (models.QuotaStatus, error) {
	now := c.cfg.Now()
	count, err := c.ledger.Count(ctx, ScopeDate(now, c.cfg.Location))
	if err != nil {
		return models.QuotaStatus{}, fmt.Errorf("quota ledger: %w", err)
	}
	return models.QuotaStatus{
		UsedToday: count,
		Limit:     c.cfg.Limit,
		ResetAt:   NextReset(now, c.cfg.Location),
	}, nil
}

func (c *Ceiling) notify(date, level string, status models.QuotaStatus) {
	c.mu.Lock()
	if c.day != date {
		c.day = date
		c.notified = map[string]bool{}
	}
	if c.notified[level] {
		c.mu.Unlock()
		return
	}
	c.notified[level] = true
	c.mu.Unlock()

	c.cfg.Logger.Warn("provider quota notice", "level", level, "used", status.UsedToday, "limit", status.Limit)
	if c.cfg.OnNotice != nil {
		c.cfg.OnNotice(Notice{Level: level, Status: status})
	}
}

// Metered charges an adapter's upstream requests against the ceiling before
// they reach the provider. Adapters that paginate are charged per page;
// others once per search.
func (c *Ceiling) Metered(a external.Adapter) external.Adapter {
	if g, ok := a.(external.Gated); ok {
		return g.WithGate(c.Acquire)
	}
	return &metered{Adapter: a, ceiling: c}
}

func (c *Ceiling) MeterAll(adapters []external.Adapter) []external.Adapter {
	out := make([]external.Adapter, len(adapters))
	for i, a := range adapters {
		out[i] = c.Metered(a)
	}
	return out
}

type metered struct {
	external.Adapter
	ceiling *Ceiling
}

func (m *metered) Search(ctx context.Context, term string, limit int) (*external.SearchResult, error) {
	if err := m.ceiling.Acquire(ctx); err != nil {
		return nil, err
	}
	return m.Adapter.Search(ctx, term, limit)
}

// MemoryLedger keeps counts in process. Suitable for a single origin
// instance or tests.
type MemoryLedger struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counts: map[string]int{}}
}

func (l *MemoryLedger) Increment(_ context.Context, date string, limit int) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[date] >= limit {
		return l.counts[date], false, nil
	}
	l.counts[date]++
	return l.counts[date], true, nil
}

func (l *MemoryLedger) Count(_ context.Context, date string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[date], nil
}

// Set forces a count, for seeding tests.
func (l *MemoryLedger) Set(date string, count int) {
	l.mu.Lock()
	l.counts[date] = count
	l.mu.Unlock()
}
