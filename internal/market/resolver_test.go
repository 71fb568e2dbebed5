package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjannette/cardvault-backend/internal/batch"
	"github.com/kjannette/cardvault-backend/internal/cache"
	"github.com/kjannette/cardvault-backend/internal/external"
	"github.com/kjannette/cardvault-backend/internal/external/externaltest"
	"github.com/kjannette/cardvault-backend/internal/governor"
	"github.com/kjannette/cardvault-backend/internal/merger"
	"github.com/kjannette/cardvault-backend/internal/models"
	"github.com/kjannette/cardvault-backend/internal/pricing"
)

type harness struct {
	r         *Resolver
	tier      *cache.Tier[models.ProductPriceRecord]
	primary   *externaltest.Fake
	secondary *externaltest.Fake
	ledger    *governor.MemoryLedger

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) today() string {
	return governor.ScopeDate(h.clock(), time.UTC)
}

func newHarness(t *testing.T, limit int, store cache.Store[models.ProductPriceRecord], adapters ...external.Adapter) *harness {
	t.Helper()
	h := &harness{
		primary:   externaltest.New("primary", models.SourcePrimary),
		secondary: externaltest.New("secondary", models.SourceSecondary),
		ledger:    governor.NewMemoryLedger(),
		now:       time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
	}
	if store == nil {
		store = cache.NewMemoryStore[models.ProductPriceRecord]()
	}
	tier, err := cache.NewTier("origin", store, 24*time.Hour, cache.WithClock[models.ProductPriceRecord](h.clock))
	if err != nil {
		t.Fatalf("NewTier: %v", err)
	}
	h.tier = tier

	ceiling, err := governor.NewCeiling(h.ledger, governor.CeilingConfig{Limit: limit, Now: h.clock})
	if err != nil {
		t.Fatalf("NewCeiling: %v", err)
	}
	if len(adapters) == 0 {
		adapters = []external.Adapter{h.primary, h.secondary}
	}

	norm := pricing.NewNormalizer("USD", nil, nil)
	r, err := New(Config{
		Tier:         tier,
		Merger:       merger.New(ceiling.MeterAll(adapters)),
		Normalizer:   norm,
		Ceiling:      ceiling,
		Orchestrator: batch.New(batch.WithSleeper(func(context.Context, time.Duration) error { return nil })),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.r = r
	return h
}

func TestResolveOneFromPrimaryCatalog(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.primary.Results["Charizard ex 199/165"] = []external.Record{externaltest.Priced("Charizard ex 199/165", "151", 120.00)}

	res, err := h.r.ResolveOne(context.Background(), "Charizard ex 199/165")
	if err != nil {
		t.Fatalf("ResolveOne: %v", err)
	}
	if res.Status != models.StatusOK || res.Record == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	rec := res.Record
	if rec.MarketValueMinorUnits != 12000 || rec.PriceSource != models.SourcePrimary || !rec.Priced {
		t.Fatalf("record = %+v, want 12000 from primary_catalog", rec)
	}
	if !rec.ExpiresAt.Equal(rec.FetchedAt.Add(24 * time.Hour)) {
		t.Fatalf("expiresAt = %v, want fetchedAt + 24h", rec.ExpiresAt)
	}

	// repeat inside the TTL is served from cache
	calls := h.primary.CallCount() + h.secondary.CallCount()
	h.advance(23 * time.Hour)
	again, err := h.r.ResolveOne(context.Background(), "  charizard EX 199/165 ")
	if err != nil {
		t.Fatalf("second ResolveOne: %v", err)
	}
	if got := h.primary.CallCount() + h.secondary.CallCount(); got != calls {
		t.Fatalf("cache hit made %d provider calls", got-calls)
	}
	if again.Record.MarketValueMinorUnits != 12000 {
		t.Fatalf("cached value = %d", again.Record.MarketValueMinorUnits)
	}

	// past the TTL the providers are consulted again
	h.advance(2 * time.Hour)
	if _, err := h.r.ResolveOne(context.Background(), "Charizard ex 199/165"); err != nil {
		t.Fatalf("third ResolveOne: %v", err)
	}
	if h.primary.CallCount() == calls {
		t.Fatal("expired entry was served without a provider call")
	}
}

func TestResolveOneQuotaExhausted(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.primary.Results["Pikachu"] = []external.Record{externaltest.Priced("Pikachu", "Base", 5)}

	if _, err := h.r.ResolveOne(context.Background(), "Pikachu"); err != nil {
		t.Fatalf("warm-up: %v", err)
	}
	h.ledger.Set(h.today(), 10)

	if _, err := h.r.ResolveOne(context.Background(), "Raichu"); !errors.Is(err, governor.ErrQuotaExceeded) {
		t.Fatalf("miss at limit: expected ErrQuotaExceeded, got %v", err)
	}

	res, err := h.r.ResolveOne(context.Background(), "Pikachu")
	if err != nil || res.Status != models.StatusOK {
		t.Fatalf("hit at limit should succeed: %+v %v", res, err)
	}

	st, _ := h.r.QuotaStatus(context.Background())
	if st.UsedToday != 10 || st.Limit != 10 {
		t.Fatalf("quota status = %+v", st)
	}
}

func TestResolveOneServesStaleWhenQuotaExhausted(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.primary.Results["Pikachu"] = []external.Record{externaltest.Priced("Pikachu", "Base", 5)}
	h.r.ResolveOne(context.Background(), "Pikachu")

	h.advance(30 * time.Hour)
	h.ledger.Set(h.today(), 10)

	res, err := h.r.ResolveOne(context.Background(), "Pikachu")
	if err != nil {
		t.Fatalf("ResolveOne: %v", err)
	}
	if res.Status != models.StatusStale || !res.Stale || !res.QuotaExceeded || res.Record == nil {
		t.Fatalf("expected labelled stale result, got %+v", res)
	}
}

func TestResolveOneNotFoundIsNotCached(t *testing.T) {
	h := newHarness(t, 100, nil)

	res, err := h.r.ResolveOne(context.Background(), "Missingno")
	if err != nil {
		t.Fatalf("ResolveOne: %v", err)
	}
	if res.Status != models.StatusNotFound || res.HasData() {
		t.Fatalf("expected not_found, got %+v", res)
	}
	first := h.primary.CallCount()
	h.r.ResolveOne(context.Background(), "Missingno")
	if h.primary.CallCount() != 2*first {
		t.Fatalf("not-found result was cached: calls %d then %d", first, h.primary.CallCount())
	}
}

func TestResolveOneProvidersDown(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.primary.Err = externaltest.ProviderErr("primary", external.Transport)
	h.secondary.Err = externaltest.ProviderErr("secondary", external.Transport)

	_, err := h.r.ResolveOne(context.Background(), "Mew")
	if !errors.Is(err, merger.ErrProvidersUnavailable) {
		t.Fatalf("expected ErrProvidersUnavailable, got %v", err)
	}
}

func TestResolveOneRejectsBlank(t *testing.T) {
	h := newHarness(t, 100, nil)
	if _, err := h.r.ResolveOne(context.Background(), "   "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

type failingStore struct {
	*cache.MemoryStore[models.ProductPriceRecord]
}

func (failingStore) Save(context.Context, cache.Entry[models.ProductPriceRecord]) error {
	return errors.New("connection reset")
}

func TestCacheWriteFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, 100, failingStore{cache.NewMemoryStore[models.ProductPriceRecord]()})
	h.primary.Results["Mew"] = []external.Record{externaltest.Priced("Mew", "Promo", 2)}

	res, err := h.r.ResolveOne(context.Background(), "Mew")
	if err != nil {
		t.Fatalf("write failure leaked: %v", err)
	}
	if res.Record == nil || res.Record.MarketValueMinorUnits != 200 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.primary.Results["Mew"] = []external.Record{externaltest.Priced("Mew", "Promo", 2)}

	h.r.ResolveOne(context.Background(), "Mew")
	if err := h.r.Invalidate(context.Background(), "MEW"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	h.r.ResolveOne(context.Background(), "Mew")
	if h.primary.CallCount() != 2 {
		t.Fatalf("expected a refetch after invalidate, got %d calls", h.primary.CallCount())
	}
}

type gatedAdapter struct {
	*externaltest.Fake
	once    sync.Once
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedAdapter) Search(ctx context.Context, term string, limit int) (*external.SearchResult, error) {
	g.once.Do(func() { close(g.started) })
	<-g.gate
	return g.Fake.Search(ctx, term, limit)
}

func TestConcurrentMissesShareOneLookup(t *testing.T) {
	fake := externaltest.New("primary", models.SourcePrimary)
	fake.Results["Lugia"] = []external.Record{externaltest.Priced("Lugia", "Neo Genesis", 300)}
	gated := &gatedAdapter{Fake: fake, started: make(chan struct{}), gate: make(chan struct{})}

	h := newHarness(t, 100, nil, gated)

	var wg sync.WaitGroup
	results := make([]models.Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.r.ResolveOne(context.Background(), "Lugia")
			if err != nil {
				t.Errorf("ResolveOne: %v", err)
			}
			results[i] = res
		}(i)
	}

	<-gated.started
	time.Sleep(50 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	if fake.CallCount() != 1 {
		t.Fatalf("expected one provider call, got %d", fake.CallCount())
	}
	for _, r := range results {
		if r.Record == nil || r.Record.MarketValueMinorUnits != 30000 {
			t.Fatalf("unexpected result %+v", r)
		}
	}
}

func TestResolveBatchOrigin(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.primary.Results["Mew"] = []external.Record{externaltest.Priced("Mew", "Promo", 2)}
	h.primary.Results["Eevee"] = []external.Record{externaltest.Priced("Eevee", "Jungle", 4)}

	job := h.r.ResolveBatch(context.Background(), []string{"Mew", "Eevee", "Missingno"}, batch.Options{BatchSize: 2}, false)
	if len(job.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(job.Results))
	}
	if job.Results["Missingno"].Status != models.StatusNotFound {
		t.Errorf("Missingno = %+v", job.Results["Missingno"])
	}
	if job.Results["Eevee"].Record.MarketValueMinorUnits != 400 {
		t.Errorf("Eevee = %+v", job.Results["Eevee"])
	}
}

func TestResolveBatchKeepsEveryInput(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.primary.Results["Pikachu"] = []external.Record{externaltest.Priced("Pikachu", "Base", 5)}
	h.primary.Results["Charizard"] = []external.Record{externaltest.Priced("Charizard", "Base", 350)}

	inputs := []string{"Pikachu", "   ", " Charizard ", ""}
	job := h.r.ResolveBatch(context.Background(), inputs, batch.Options{BatchSize: 2}, false)

	if len(job.Results) != len(inputs) {
		t.Fatalf("got %d results for %d inputs", len(job.Results), len(inputs))
	}
	if r := job.Results[" Charizard "]; r.Record == nil || r.Record.MarketValueMinorUnits != 35000 {
		t.Errorf("padded input = %+v", r)
	}
	for _, blank := range []string{"", "   "} {
		if r := job.Results[blank]; r.Status != models.StatusError || r.Error != ErrEmptyName.Error() {
			t.Errorf("blank input %q = %+v", blank, r)
		}
	}
}

func TestResolveBatchRunsToCompletionAfterCancel(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.primary.Results["Mew"] = []external.Record{externaltest.Priced("Mew", "Promo", 2)}
	h.primary.Results["Eevee"] = []external.Record{externaltest.Priced("Eevee", "Jungle", 4)}

	ctx, cancel := context.WithCancel(context.Background())
	var chunks int
	job := h.r.RunBatch(ctx, []string{"Mew", "Eevee"}, batch.Options{BatchSize: 1}, false, func(batch.Progress) {
		chunks++
		cancel()
	})

	if chunks != 2 {
		t.Fatalf("got %d progress reports, want 2", chunks)
	}
	if job.Succeeded != 2 || job.Failed != 0 {
		t.Fatalf("succeeded=%d failed=%d, want 2/0", job.Succeeded, job.Failed)
	}
}
