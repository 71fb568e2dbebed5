package external_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjannette/cardvault-backend/internal/external"
	"github.com/kjannette/cardvault-backend/internal/models"
)

const charizardPage = `{
  "data": [
    {
      "name": "Charizard ex",
      "rarity": "Special Illustration Rare",
      "set": {"name": "151"},
      "images": {"small": "https://img/s.png", "large": "https://img/l.png"},
      "tcgplayer": {"prices": {
        "normal": {"low": 50.0, "mid": 80.0, "market": 70.0},
        "holofoil": {"low": 100.0, "mid": 130.0, "market": 120.0}
      }},
      "cardmarket": {"prices": {"averageSellPrice": 110.5, "trendPrice": 112.0, "avg7": 108.0, "avg30": 100.0}}
    }
  ],
  "page": 1, "pageSize": 50, "count": 1, "totalCount": 1
}`

func newTCG(t *testing.T, srv *httptest.Server, opts external.Options) *external.TCGAPIAdapter {
	t.Helper()
	opts.BaseURL = srv.URL
	return external.NewTCGAPIAdapter(opts)
}

func TestTCGAPISearchMapsPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != `name:"Charizard ex"` {
			t.Errorf("q = %q", got)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("X-Api-Key = %q, want secret", got)
		}
		w.Write([]byte(charizardPage))
	}))
	defer srv.Close()

	a := newTCG(t, srv, external.Options{APIKey: "secret"})
	if a.Source() != models.SourcePrimary {
		t.Fatalf("source = %s, want primary_catalog", a.Source())
	}

	res, err := a.Search(context.Background(), "Charizard ex", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Records) != 1 || res.TotalAvailable != 1 {
		t.Fatalf("got %d records (total %d), want 1", len(res.Records), res.TotalAvailable)
	}

	rec := res.Records[0]
	if rec.SetName != "151" || rec.ImageURL != "https://img/l.png" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.Prices) == 0 || rec.Prices[0].Kind != external.KindNearMint || rec.Prices[0].Amount != 120 {
		t.Fatalf("first price should be holofoil market 120, got %+v", rec.Prices)
	}

	var sawAvg7 bool
	for _, p := range rec.Prices {
		if p.Kind == external.KindAvg7d && p.Currency == "EUR" && p.Amount == 108 {
			sawAvg7 = true
		}
	}
	if !sawAvg7 {
		t.Errorf("avg7d EUR price missing: %+v", rec.Prices)
	}
}

func TestTCGAPIPaginationIsBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"data":[{"name":"Pikachu %d-a"},{"name":"Pikachu %d-b"}],"totalCount":100}`, n, n)
	}))
	defer srv.Close()

	a := newTCG(t, srv, external.Options{PageSize: 2, MaxPages: 3})

	res, err := a.Search(context.Background(), "Pikachu", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("got %d records, want 3", len(res.Records))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 page fetches, got %d", calls.Load())
	}
	if res.TotalAvailable != 100 {
		t.Errorf("TotalAvailable = %d, want 100", res.TotalAvailable)
	}

	calls.Store(0)
	if _, err := a.Search(context.Background(), "Pikachu", 1000); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("page cap not honored: %d fetches", calls.Load())
	}
}

func TestGateRunsBeforeEveryPage(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		fmt.Fprintf(w, `{"data":[{"name":"Eevee %d-a"},{"name":"Eevee %d-b"}],"totalCount":100}`, n, n)
	}))
	defer srv.Close()

	errClosed := errors.New("gate closed")
	var opened atomic.Int32
	gate := func(context.Context) error {
		if opened.Add(1) > 2 {
			return errClosed
		}
		return nil
	}
	a := newTCG(t, srv, external.Options{PageSize: 2, MaxPages: 3}).WithGate(gate)

	res, err := a.Search(context.Background(), "Eevee", 1000)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Records) != 4 || requests.Load() != 2 {
		t.Fatalf("records=%d requests=%d, want pages kept up to the refusal", len(res.Records), requests.Load())
	}

	if _, err := a.Search(context.Background(), "Eevee", 1000); !errors.Is(err, errClosed) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if requests.Load() != 2 {
		t.Fatalf("refused page was fetched: %d requests", requests.Load())
	}
}

func TestTCGAPIErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   external.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, "", external.RateLimited},
		{"server error", http.StatusInternalServerError, "", external.Transport},
		{"missing", http.StatusNotFound, "", external.NotFound},
		{"empty result", http.StatusOK, `{"data":[],"totalCount":0}`, external.NotFound},
		{"malformed", http.StatusOK, `{"data": [`, external.Transport},
		{"only nameless", http.StatusOK, `{"data":[{"name":"  "}],"totalCount":1}`, external.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTCG(t, srv, external.Options{}).Search(context.Background(), "Mew", 5)
			if err == nil {
				t.Fatal("expected error")
			}
			kind, ok := external.KindOf(err)
			if !ok {
				t.Fatalf("error is not a ProviderError: %v", err)
			}
			if kind != tt.want {
				t.Errorf("kind = %s, want %s", kind, tt.want)
			}
			if calls.Load() != 1 {
				t.Errorf("adapter must not retry, got %d calls", calls.Load())
			}
		})
	}
}

func TestTCGAPITimeoutIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := newTCG(t, srv, external.Options{Timeout: 20 * time.Millisecond}).Search(context.Background(), "Mew", 5)
	if kind, _ := external.KindOf(err); err == nil || kind != external.Transport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline in chain, got %v", err)
	}
}

func TestTCGAPIDropsNamelessRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"name":""},{"name":"Mewtwo","set":{"name":"Base"}}],"totalCount":2}`))
	}))
	defer srv.Close()

	res, err := newTCG(t, srv, external.Options{}).Search(context.Background(), "Mewtwo", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Name != "Mewtwo" {
		t.Fatalf("unexpected records: %+v", res.Records)
	}
	if res.Records[0].HasPrice() {
		t.Error("record without prices reports HasPrice")
	}
}

const guideHTML = `<html><body>
<table id="games_table"><tbody>
  <tr id="product-1">
    <td class="image"><img src="https://img/zard.jpg"></td>
    <td class="title"><a href="/game/base/charizard-4">Charizard #4</a></td>
    <td class="console"><a href="/console/base">Pokemon Base Set</a></td>
    <td class="price numeric used_price"><span class="js-price">$1,250.00</span></td>
    <td class="price numeric cib_price"><span class="js-price">-</span></td>
    <td class="price numeric new_price"><span class="js-price">$9,800.50</span></td>
  </tr>
  <tr id="product-2">
    <td class="title"><a href="#"></a></td>
  </tr>
</tbody></table>
</body></html>`

func TestPriceGuideSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search-products" || r.URL.Query().Get("q") != "Charizard" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(guideHTML))
	}))
	defer srv.Close()

	a := external.NewPriceGuideAdapter(external.Options{BaseURL: srv.URL})
	if a.Source() != models.SourceSecondary {
		t.Fatalf("source = %s, want secondary_catalog", a.Source())
	}

	res, err := a.Search(context.Background(), "Charizard", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("got %d records, want 1 (nameless row dropped)", len(res.Records))
	}

	rec := res.Records[0]
	if rec.Name != "Charizard #4" || rec.SetName != "Pokemon Base Set" || rec.ImageURL != "https://img/zard.jpg" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.Prices) != 2 {
		t.Fatalf("expected 2 prices, got %+v", rec.Prices)
	}
	if rec.Prices[0].Kind != external.KindNearMint || rec.Prices[0].Amount != 1250 {
		t.Errorf("used price = %+v", rec.Prices[0])
	}
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in       string
		ok       bool
		currency string
		amount   float64
	}{
		{"$12.34", true, "USD", 12.34},
		{" $1,234.56 ", true, "USD", 1234.56},
		{"€12,50", true, "EUR", 12.5},
		{"£3.00", true, "GBP", 3},
		{"7.25", true, "USD", 7.25},
		{"-", false, "", 0},
		{"", false, "", 0},
		{"$0.00", false, "", 0},
		{"call", false, "", 0},
	}

	for _, tt := range tests {
		m, ok := external.ParseMoney(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseMoney(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && (m.Currency != tt.currency || m.Amount != tt.amount) {
			t.Errorf("ParseMoney(%q) = %+v, want %s %v", tt.in, m, tt.currency, tt.amount)
		}
	}
}
