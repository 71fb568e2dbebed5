// Package externaltest provides an in-memory catalog adapter for tests.
package externaltest

import (
	"context"
	"sync"

	"github.com/kjannette/cardvault-backend/internal/external"
	"github.com/kjannette/cardvault-backend/internal/models"
)

// Fake answers searches from fixed tables keyed by term. Terms with no
// entry produce a NotFound provider error.
type Fake struct {
	ID      string
	Src     models.PriceSource
	Results map[string][]external.Record
	Errors  map[string]error
	// Err, when set, is returned for every term.
	Err error

	mu    sync.Mutex
	calls []string
}

func New(id string, src models.PriceSource) *Fake {
	return &Fake{
		ID:      id,
		Src:     src,
		Results: map[string][]external.Record{},
		Errors:  map[string]error{},
	}
}

func (f *Fake) Name() string { return f.ID }
func (f *Fake) Source() models.PriceSource { return f.Src }

func (f *Fake) Search(ctx context.Context, term string, limit int) (*external.SearchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, term)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if err, ok := f.Errors[term]; ok {
		return nil, err
	}
	recs, ok := f.Results[term]
	if !ok || len(recs) == 0 {
		return nil, &external.ProviderError{Provider: f.ID, Kind: external.NotFound, Err: errNoMatch}
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return &external.SearchResult{Records: recs, TotalAvailable: len(recs)}, nil
}

// Calls returns the terms searched so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Priced builds a record with a single near-mint USD price.
func Priced(name, set string, usd float64) external.Record {
	return external.Record{
		Name:    name,
		SetName: set,
		Prices: []external.PriceField{{
			Kind:  external.KindNearMint,
			Money: external.Money{Currency: "USD", Amount: usd},
		}},
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errNoMatch = fakeErr("no match")

// ProviderErr builds a provider error of the given kind.
func ProviderErr(provider string, kind external.ErrorKind) error {
	return &external.ProviderError{Provider: provider, Kind: kind, Err: fakeErr(kind.String())}
}
