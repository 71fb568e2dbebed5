// Package merger runs a product lookup across every search term and catalog
// adapter in a fixed order and picks the single best match.
package merger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kjannette/cardvault-backend/internal/external"
	"github.com/kjannette/cardvault-backend/internal/models"
	"github.com/kjannette/cardvault-backend/internal/query"
)

// ErrProvidersUnavailable means every attempt failed with a transport or
// rate-limit error, so "not found" cannot be claimed.
var ErrProvidersUnavailable = errors.New("all catalog providers unavailable")

const defaultLimit = 10

// Attempt is one (term, adapter) combination of a lookup plan.
type Attempt struct {
	Term    string
	Adapter external.Adapter
}

// BuildPlan orders attempts term-major: every adapter is tried with the
// most precise term before any adapter sees the next term.
func BuildPlan(terms []string, adapters []external.Adapter) []Attempt {
	plan := make([]Attempt, 0, len(terms)*len(adapters))
	for _, term := range terms {
		for _, a := range adapters {
			plan = append(plan, Attempt{Term: term, Adapter: a})
		}
	}
	return plan
}

type Candidate struct {
	Record external.Record
	Source models.PriceSource
}

// Match is the selected record plus some bookkeeping about how it was found.
type Match struct {
	Candidate
	Term       string
	Candidates int
	Attempts   int
}

type Merger struct {
	adapters []external.Adapter
	limit    int
	logger   *slog.Logger
}

type Option func(*Merger)

func WithLimit(n int) Option {
	return func(m *Merger) {
		if n > 0 {
			m.limit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) {
		if l != nil {
			m.logger = l
		}
	}
}

// New builds a merger over adapters in priority order.
func New(adapters []external.Adapter, opts ...Option) *Merger {
	m := &Merger{
		adapters: adapters,
		limit:    defaultLimit,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "merger")
	return m
}

// Resolve looks up raw across the plan. A nil match with a nil error means
// no catalog knows the product. In the default mode the plan stops at the
// first attempt that yields anything; exhaustive mode pools every attempt.
//
// Provider errors are absorbed. Any other error, such as a refused quota
// or a cancelled context, aborts the plan and is returned as is.
func (m *Merger) Resolve(ctx context.Context, raw string, exhaustive bool) (*Match, error) {
	variants := query.Variants(raw)
	plan := BuildPlan(variants, m.adapters)

	var (
		pool      []Candidate
		seen      = map[string]bool{}
		skipped   = map[string]bool{}
		attempts  int
		notFound  int
		failures  int
		firstTerm string
	)

	for _, at := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skipped[at.Adapter.Name()] {
			continue
		}

		attempts++
		res, err := at.Adapter.Search(ctx, at.Term, m.limit)
		if err != nil {
			kind, ok := external.KindOf(err)
			if !ok {
				return nil, err
			}
			switch kind {
			case external.NotFound:
				notFound++
			case external.RateLimited:
				failures++
				skipped[at.Adapter.Name()] = true
				m.logger.Warn("provider rate limited, skipping for this lookup", "provider", at.Adapter.Name())
			default:
				failures++
				m.logger.Warn("provider call failed", "provider", at.Adapter.Name(), "term", at.Term, "error", err)
			}
			continue
		}

		for _, rec := range res.Records {
			k := dedupKey(rec)
			if seen[k] {
				continue
			}
			seen[k] = true
			pool = append(pool, Candidate{Record: rec, Source: at.Adapter.Source()})
		}
		if len(res.Records) > 0 && firstTerm == "" {
			firstTerm = at.Term
		}
		if !exhaustive && len(res.Records) > 0 {
			break
		}
	}

	if len(pool) == 0 {
		if failures > 0 && notFound == 0 {
			return nil, fmt.Errorf("%w: %d attempts failed", ErrProvidersUnavailable, failures)
		}
		return nil, nil
	}

	best := Select(pool, variants)
	return &Match{Candidate: best, Term: firstTerm, Candidates: len(pool), Attempts: attempts}, nil
}

// Select picks from a non-empty pool: an exact case-insensitive name match
// with any variant, then a name containing or contained by a variant, then
// the first candidate with a price, then the first candidate.
func Select(pool []Candidate, variants []string) Candidate {
	lowered := make([]string, len(variants))
	for i, v := range variants {
		lowered[i] = strings.ToLower(v)
	}

	for _, c := range pool {
		name := strings.ToLower(c.Record.Name)
		for _, v := range lowered {
			if name == v {
				return c
			}
		}
	}
	for _, c := range pool {
		name := strings.ToLower(c.Record.Name)
		for _, v := range lowered {
			if strings.Contains(name, v) || strings.Contains(v, name) {
				return c
			}
		}
	}
	for _, c := range pool {
		if c.Record.HasPrice() {
			return c
		}
	}
	return pool[0]
}

func dedupKey(r external.Record) string {
	return strings.ToLower(strings.TrimSpace(r.Name)) + "\x00" + strings.ToLower(strings.TrimSpace(r.SetName))
}
