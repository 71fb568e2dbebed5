// Package external holds the catalog adapters that search third-party
// pricing sources and map their payloads onto a common record shape.
package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kjannette/cardvault-backend/internal/models"
	"golang.org/x/time/rate"
)

type PriceKind string

const (
	KindNearMint PriceKind = "near_mint"
	KindAverage  PriceKind = "average"
	KindListed   PriceKind = "listed"
	KindAvg7d    PriceKind = "avg7d"
	KindAvg30d   PriceKind = "avg30d"
)

type Money struct {
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

type PriceField struct {
	Kind PriceKind `json:"kind"`
	Money
}

// Record is one catalog hit, already mapped out of the provider's payload.
type Record struct {
	Provider string       `json:"provider"`
	Name     string       `json:"name"`
	SetName  string       `json:"setName,omitempty"`
	Rarity   string       `json:"rarity,omitempty"`
	ImageURL string       `json:"imageUrl,omitempty"`
	Prices   []PriceField `json:"prices,omitempty"`
}

// HasPrice reports whether the record carries any usable current price.
func (r Record) HasPrice() bool {
	for _, p := range r.Prices {
		switch p.Kind {
		case KindNearMint, KindAverage, KindListed:
			if p.Amount > 0 {
				return true
			}
		}
	}
	return false
}

type SearchResult struct {
	Records        []Record
	TotalAvailable int
}

// Adapter searches one catalog. Implementations never retry on their own;
// every failure comes back as a *ProviderError.
type Adapter interface {
	Name() string
	Source() models.PriceSource
	Search(ctx context.Context, term string, limit int) (*SearchResult, error)
}

// Gate is consulted before every upstream request. An error stops the
// search before the request is sent.
type Gate func(ctx context.Context) error

// Gated is implemented by adapters that can charge each page request
// through a gate instead of once per Search.
type Gated interface {
	Adapter
	WithGate(g Gate) Adapter
}

// Options configures an HTTP-backed adapter.
type Options struct {
	Name          string
	BaseURL       string
	APIKey        string
	Source        models.PriceSource
	PageSize      int
	MaxPages      int
	Timeout       time.Duration
	RatePerSecond float64
	Gate          Gate
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

func (o Options) withDefaults(name string, source models.PriceSource, pageSize int) Options {
	if o.Name == "" {
		o.Name = name
	}
	if o.Source == "" {
		o.Source = source
	}
	if o.PageSize <= 0 {
		o.PageSize = pageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", "adapter", "provider", o.Name)
	return o
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// --- errors ---

type ErrorKind int

const (
	Transport ErrorKind = iota
	RateLimited
	NotFound
)

func (k ErrorKind) String() string {
	switch k {
	case RateLimited:
		return "rate limited"
	case NotFound:
		return "not found"
	default:
		return "transport"
	}
}

type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindOf extracts the provider error kind from err.
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return Transport, false
}

func providerErr(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func statusErr(provider string, code int) *ProviderError {
	kind := Transport
	switch code {
	case http.StatusTooManyRequests:
		kind = RateLimited
	case http.StatusNotFound:
		kind = NotFound
	}
	return &ProviderError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: code,
		Err:        fmt.Errorf("unexpected status %d", code),
	}
}

// --- pagination ---

// pageFunc fetches one page and reports how many raw rows the provider
// returned, so dropped rows do not end pagination early.
type pageFunc func(ctx context.Context, page int) (records []Record, rawRows int, total int, err error)

// paginate walks pages until limit records are collected, a page comes back
// short or empty, or the page cap is hit. Each page passes the gate first.
func paginate(ctx context.Context, o Options, limiter *rate.Limiter, limit int, fetch pageFunc) (*SearchResult, error) {
	if limit <= 0 {
		limit = o.PageSize
	}

	var out []Record
	total := -1
	for page := 1; page <= o.MaxPages; page++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, providerErr(o.Name, Transport, fmt.Errorf("rate wait: %w", err))
		}
		if o.Gate != nil {
			if err := o.Gate(ctx); err != nil {
				if len(out) > 0 {
					o.Logger.Warn("pagination stopped by gate", "page", page, "error", err)
					break
				}
				return nil, err
			}
		}

		pageCtx, cancel := context.WithTimeout(ctx, o.Timeout)
		records, raw, t, err := fetch(pageCtx, page)
		cancel()
		if err != nil {
			if len(out) > 0 {
				o.Logger.Warn("pagination stopped early", "page", page, "error", err)
				break
			}
			return nil, err
		}
		if t >= 0 {
			total = t
		}
		out = append(out, records...)

		if len(out) >= limit || raw == 0 || raw < o.PageSize {
			break
		}
		if total >= 0 && page*o.PageSize >= total {
			break
		}
	}

	if len(out) == 0 {
		return nil, providerErr(o.Name, NotFound, errors.New("no matching records"))
	}
	if len(out) > limit {
		out = out[:limit]
	}
	if total < len(out) {
		total = len(out)
	}
	return &SearchResult{Records: out, TotalAvailable: total}, nil
}

func transportErr(provider string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return providerErr(provider, Transport, fmt.Errorf("timeout: %w", err))
	}
	return providerErr(provider, Transport, err)
}
