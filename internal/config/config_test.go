package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR_GO", "90s")
	t.Setenv("TEST_DUR_SECS", "120")
	t.Setenv("TEST_DUR_BAD", "soon")

	if got := envDuration("TEST_DUR_GO", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := envDuration("TEST_DUR_SECS", time.Minute); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	if got := envDuration("TEST_DUR_BAD", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
	if got := envDuration("TEST_DUR_UNSET", 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected fallback for unset, got %s", got)
	}
}

func TestEnvBoolAndInt(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	t.Setenv("TEST_INT", "not-a-number")

	if !envBool("TEST_BOOL", false) {
		t.Fatal("expected yes to parse as true")
	}
	if got := envInt("TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestLoad_DefaultsWithoutProvidersFile(t *testing.T) {
	t.Setenv("PROVIDERS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("TCG_API_KEY", "k-123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 default providers, got %d", len(cfg.Providers))
	}
	if cfg.Providers[0].Kind != KindTCGAPI || cfg.Providers[0].APIKey != "k-123" {
		t.Fatalf("unexpected primary provider: %+v", cfg.Providers[0])
	}
	if cfg.Providers[1].Kind != KindPriceGuide {
		t.Fatalf("expected price guide second, got %+v", cfg.Providers[1])
	}
	if cfg.Providers[0].Timeout != cfg.ProviderTimeout {
		t.Fatalf("expected provider timeout to default to %s", cfg.ProviderTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_ProvidersFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	yaml := `
reference_currency: eur
exchange_rates:
  USD: "0.92"
  GBP: "1.17"
providers:
  - name: guide
    kind: priceguide
    base_url: http://guide.local
    max_pages: 2
  - name: catalog
    kind: tcgapi
    api_key: ${TEST_CATALOG_KEY}
    timeout: 3s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROVIDERS_FILE", path)
	t.Setenv("TEST_CATALOG_KEY", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReferenceCurrency != "EUR" {
		t.Fatalf("expected EUR, got %s", cfg.ReferenceCurrency)
	}
	if cfg.FXRates != "GBP=1.17,USD=0.92" {
		t.Fatalf("unexpected rates %q", cfg.FXRates)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0].Name != "guide" {
		t.Fatalf("expected file order to be kept, got %+v", cfg.Providers)
	}
	if cfg.Providers[1].APIKey != "from-env" {
		t.Fatalf("expected ${VAR} expansion, got %q", cfg.Providers[1].APIKey)
	}
	if cfg.Providers[1].Timeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %s", cfg.Providers[1].Timeout)
	}
	if cfg.Providers[0].Timeout != cfg.ProviderTimeout {
		t.Fatalf("expected default timeout on guide, got %s", cfg.Providers[0].Timeout)
	}
}

func TestLoadProvidersFile_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte("providers: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProvidersFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := &Config{
		DailyCallLimit:  0,
		OriginCacheTTL:  time.Hour,
		ClientCacheTTL:  time.Hour,
		BatchSize:       0,
		MagnitudePolicy: "guesswork",
		FXRates:         "EUR=abc",
		QuotaTimezone:   "Mars/Olympus",
		Providers:       []ProviderConfig{{Name: "x", Kind: "ftp"}},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DAILY_CALL_LIMIT", "BATCH_SIZE", "guesswork", "FX_RATES", "QUOTA_TIMEZONE", "unknown kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got:\n%s", want, err)
		}
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{QuotaTimezone: "Nowhere/Special"}
	if cfg.Location() != time.UTC {
		t.Fatal("expected UTC fallback")
	}
	cfg.QuotaTimezone = "America/New_York"
	if cfg.Location().String() != "America/New_York" {
		t.Fatalf("unexpected location %s", cfg.Location())
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: 5433, DBName: "d"}
	if got := cfg.DSN(); got != "postgres://u:p@h:5433/d?sslmode=disable" {
		t.Fatalf("unexpected DSN %q", got)
	}
}
