package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/kjannette/cardvault-backend/internal/models"
	"golang.org/x/time/rate"
)

const DefaultTCGAPIURL = "https://api.pokemontcg.io/v2"

// TCGAPIAdapter searches a JSON card catalog that reports marketplace
// prices in USD and European market averages in EUR.
type TCGAPIAdapter struct {
	opts    Options
	limiter *rate.Limiter
}

func NewTCGAPIAdapter(opts Options) *TCGAPIAdapter {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTCGAPIURL
	}
	opts = opts.withDefaults("tcgapi", models.SourcePrimary, 50)
	return &TCGAPIAdapter{opts: opts, limiter: newLimiter(opts.RatePerSecond)}
}

func (a *TCGAPIAdapter) Name() string { return a.opts.Name }
func (a *TCGAPIAdapter) Source() models.PriceSource { return a.opts.Source }

// WithGate returns a copy of the adapter that passes every page request
// through g. The copy shares the rate limiter.
func (a *TCGAPIAdapter) WithGate(g Gate) Adapter {
	c := *a
	c.opts.Gate = g
	return &c
}

func (a *TCGAPIAdapter) Search(ctx context.Context, term string, limit int) (*SearchResult, error) {
	return paginate(ctx, a.opts, a.limiter, limit, func(ctx context.Context, page int) ([]Record, int, int, error) {
		return a.fetchPage(ctx, term, page)
	})
}

type tcgPriceSet struct {
	Low    *float64 `json:"low"`
	Mid    *float64 `json:"mid"`
	High   *float64 `json:"high"`
	Market *float64 `json:"market"`
}

type tcgCard struct {
	Name   string `json:"name"`
	Rarity string `json:"rarity"`
	Set    struct {
		Name string `json:"name"`
	} `json:"set"`
	Images struct {
		Small string `json:"small"`
		Large string `json:"large"`
	} `json:"images"`
	TCGPlayer *struct {
		Prices map[string]tcgPriceSet `json:"prices"`
	} `json:"tcgplayer"`
	Cardmarket *struct {
		Prices struct {
			AverageSellPrice *float64 `json:"averageSellPrice"`
			TrendPrice       *float64 `json:"trendPrice"`
			Avg7             *float64 `json:"avg7"`
			Avg30            *float64 `json:"avg30"`
		} `json:"prices"`
	} `json:"cardmarket"`
}

type tcgPage struct {
	Data       []tcgCard `json:"data"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	Count      int       `json:"count"`
	TotalCount int       `json:"totalCount"`
}

func (a *TCGAPIAdapter) fetchPage(ctx context.Context, term string, page int) ([]Record, int, int, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf(`name:"%s"`, strings.ReplaceAll(term, `"`, "")))
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(a.opts.PageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.opts.BaseURL+"/cards?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, 0, providerErr(a.opts.Name, Transport, err)
	}
	req.Header.Set("Accept", "application/json")
	if a.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", a.opts.APIKey)
	}

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, 0, transportErr(a.opts.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, 0, 0, statusErr(a.opts.Name, resp.StatusCode)
	}

	var body tcgPage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&body); err != nil {
		return nil, 0, 0, transportErr(a.opts.Name, fmt.Errorf("decode: %w", err))
	}

	records := make([]Record, 0, len(body.Data))
	for _, c := range body.Data {
		rec, ok := a.mapCard(c)
		if !ok {
			a.opts.Logger.Debug("dropping card without a name", "page", page)
			continue
		}
		records = append(records, rec)
	}
	return records, len(body.Data), body.TotalCount, nil
}

func (a *TCGAPIAdapter) mapCard(c tcgCard) (Record, bool) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return Record{}, false
	}
	rec := Record{
		Provider: a.opts.Name,
		Name:     name,
		SetName:  strings.TrimSpace(c.Set.Name),
		Rarity:   c.Rarity,
		ImageURL: c.Images.Large,
	}
	if rec.ImageURL == "" {
		rec.ImageURL = c.Images.Small
	}

	if c.TCGPlayer != nil {
		if ps, ok := preferredVariant(c.TCGPlayer.Prices); ok {
			rec.Prices = appendPrice(rec.Prices, KindNearMint, "USD", ps.Market)
			rec.Prices = appendPrice(rec.Prices, KindListed, "USD", ps.Mid)
			rec.Prices = appendPrice(rec.Prices, KindListed, "USD", ps.Low)
		}
	}
	if c.Cardmarket != nil {
		p := c.Cardmarket.Prices
		rec.Prices = appendPrice(rec.Prices, KindAverage, "EUR", p.AverageSellPrice)
		rec.Prices = appendPrice(rec.Prices, KindListed, "EUR", p.TrendPrice)
		rec.Prices = appendPrice(rec.Prices, KindAvg7d, "EUR", p.Avg7)
		rec.Prices = appendPrice(rec.Prices, KindAvg30d, "EUR", p.Avg30)
	}
	return rec, true
}

var variantOrder = map[string]int{
	"holofoil":           0,
	"normal":             1,
	"reverseHolofoil":    2,
	"1stEditionHolofoil": 3,
	"1stEditionNormal":   4,
}

// preferredVariant picks the price set for the most common printing, so the
// same card always maps to the same prices regardless of map order.
func preferredVariant(sets map[string]tcgPriceSet) (tcgPriceSet, bool) {
	if len(sets) == 0 {
		return tcgPriceSet{}, false
	}
	keys := make([]string, 0, len(sets))
	for k := range sets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := variantOrder[keys[i]]
		rj, jok := variantOrder[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})
	for _, k := range keys {
		if ps := sets[k]; ps.Market != nil || ps.Mid != nil || ps.Low != nil {
			return ps, true
		}
	}
	return tcgPriceSet{}, false
}

func appendPrice(prices []PriceField, kind PriceKind, currency string, amount *float64) []PriceField {
	if amount == nil || *amount <= 0 {
		return prices
	}
	return append(prices, PriceField{Kind: kind, Money: Money{Currency: currency, Amount: *amount}})
}
