package external

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/kjannette/cardvault-backend/internal/models"
	"golang.org/x/time/rate"
)

const DefaultPriceGuideURL = "https://www.pricecharting.com"

// PriceGuideAdapter scrapes the search results table of a collectibles
// price guide site. The site does not report a total, so TotalAvailable is
// the number of rows collected.
type PriceGuideAdapter struct {
	opts    Options
	limiter *rate.Limiter
}

func NewPriceGuideAdapter(opts Options) *PriceGuideAdapter {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultPriceGuideURL
	}
	opts = opts.withDefaults("priceguide", models.SourceSecondary, 50)
	return &PriceGuideAdapter{opts: opts, limiter: newLimiter(opts.RatePerSecond)}
}

func (a *PriceGuideAdapter) Name() string { return a.opts.Name }
func (a *PriceGuideAdapter) Source() models.PriceSource { return a.opts.Source }

// WithGate returns a copy of the adapter that passes every page request
// through g. The copy shares the rate limiter.
func (a *PriceGuideAdapter) WithGate(g Gate) Adapter {
	c := *a
	c.opts.Gate = g
	return &c
}

func (a *PriceGuideAdapter) Search(ctx context.Context, term string, limit int) (*SearchResult, error) {
	return paginate(ctx, a.opts, a.limiter, limit, func(ctx context.Context, page int) ([]Record, int, int, error) {
		return a.fetchPage(ctx, term, page)
	})
}

func (a *PriceGuideAdapter) fetchPage(ctx context.Context, term string, page int) ([]Record, int, int, error) {
	q := url.Values{}
	q.Set("q", term)
	q.Set("type", "prices")
	q.Set("page", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.opts.BaseURL+"/search-products?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, 0, providerErr(a.opts.Name, Transport, err)
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("User-Agent", "cardvault/1.0")

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, 0, transportErr(a.opts.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, 0, statusErr(a.opts.Name, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, 0, 0, transportErr(a.opts.Name, fmt.Errorf("parse html: %w", err))
	}

	rows := doc.Find("table#games_table tbody tr")
	records := make([]Record, 0, rows.Length())
	rows.Each(func(_ int, row *goquery.Selection) {
		if rec, ok := a.mapRow(row); ok {
			records = append(records, rec)
		}
	})
	return records, rows.Length(), -1, nil
}

func (a *PriceGuideAdapter) mapRow(row *goquery.Selection) (Record, bool) {
	name := strings.TrimSpace(row.Find("td.title a").First().Text())
	if name == "" {
		name = strings.TrimSpace(row.Find("td.title").First().Text())
	}
	if name == "" {
		return Record{}, false
	}

	rec := Record{
		Provider: a.opts.Name,
		Name:     name,
		SetName:  strings.TrimSpace(row.Find("td.console").First().Text()),
	}
	if src, ok := row.Find("td.image img").First().Attr("src"); ok {
		rec.ImageURL = src
	}

	cells := []struct {
		selector string
		kind     PriceKind
	}{
		{"td.used_price", KindNearMint},
		{"td.cib_price", KindListed},
		{"td.new_price", KindListed},
	}
	for _, c := range cells {
		text := row.Find(c.selector + " .js-price").First().Text()
		if text == "" {
			text = row.Find(c.selector).First().Text()
		}
		if m, ok := ParseMoney(text); ok {
			rec.Prices = append(rec.Prices, PriceField{Kind: c.kind, Money: m})
		}
	}
	return rec, true
}

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

// ParseMoney reads a display price such as "$1,234.56" or "€12,00". Blank
// cells and dashes are not prices.
func ParseMoney(text string) (Money, bool) {
	s := strings.TrimSpace(text)
	if s == "" || s == "-" || s == "N/A" {
		return Money{}, false
	}

	currency := "USD"
	for sym, code := range currencySymbols {
		if strings.HasPrefix(s, sym) {
			currency = code
			s = strings.TrimPrefix(s, sym)
			break
		}
		if strings.HasSuffix(s, sym) {
			currency = code
			s = strings.TrimSuffix(s, sym)
			break
		}
	}
	s = strings.TrimSpace(s)

	if currency == "EUR" && strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return Money{}, false
	}
	return Money{Currency: currency, Amount: v}, true
}
