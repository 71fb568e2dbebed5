package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kjannette/cardvault-backend/internal/pricing"
)

type Config struct {
	// Secrets (from .env)
	APIKey          string
	TCGAPIKey       string
	WebhookURL      string
	ServiceName     string
	CORSAllowOrigin string

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBMaxConns int

	// Server
	APIPort  int
	LogLevel string
	LogJSON  bool

	// Providers
	ProvidersFile   string
	TCGAPIURL       string
	PriceGuideURL   string
	ProviderTimeout time.Duration
	Providers       []ProviderConfig

	// Pricing
	ReferenceCurrency string
	FXRates           string
	MagnitudePolicy   string

	// Origin cache and quota
	OriginCacheTTL   time.Duration
	DailyCallLimit   int
	QuotaTimezone    string
	QuotaWarnPercent float64
	PurgeInterval    time.Duration
	StaleRetention   time.Duration

	// Client
	OriginURL             string
	ClientDBPath          string
	ClientCacheTTL        time.Duration
	BatchSize             int
	InterBatchDelay       time.Duration
	SweepInterval         time.Duration
	EstimateMarkupPercent float64
	ItemsFile             string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		// Secrets
		APIKey:          envStr("API_KEY", ""),
		TCGAPIKey:       envStr("TCG_API_KEY", ""),
		WebhookURL:      envStr("WEBHOOK_URL", ""),
		ServiceName:     envStr("SERVICE_NAME", "CardVaultMarket"),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", "*"),

		// Database
		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 5432),
		DBName:     envStr("DB_NAME", "cardvault"),
		DBUser:     envStr("DB_USER", ""),
		DBPassword: envStr("DB_PASSWORD", ""),
		DBMaxConns: envInt("DB_MAX_CONNS", 20),

		// Server
		APIPort:  envInt("API_PORT", 3001),
		LogLevel: envStr("LOG_LEVEL", "info"),
		LogJSON:  envBool("LOG_JSON", false),

		// Providers
		ProvidersFile:   envStr("PROVIDERS_FILE", "providers.yaml"),
		TCGAPIURL:       envStr("TCG_API_URL", ""),
		PriceGuideURL:   envStr("PRICE_GUIDE_URL", ""),
		ProviderTimeout: envDuration("PROVIDER_TIMEOUT", 10*time.Second),

		// Pricing
		ReferenceCurrency: strings.ToUpper(envStr("REFERENCE_CURRENCY", "USD")),
		FXRates:           envStr("FX_RATES", "EUR=1.08,GBP=1.27"),
		MagnitudePolicy:   envStr("PRICE_MAGNITUDE_POLICY", pricing.PolicyThreshold1000),

		// Origin cache and quota
		OriginCacheTTL:   envDuration("ORIGIN_CACHE_TTL", 24*time.Hour),
		DailyCallLimit:   envInt("DAILY_CALL_LIMIT", 1000),
		QuotaTimezone:    envStr("QUOTA_TIMEZONE", "UTC"),
		QuotaWarnPercent: envFloat("QUOTA_WARN_PERCENT", 80),
		PurgeInterval:    envDuration("CACHE_PURGE_INTERVAL", time.Hour),
		StaleRetention:   envDuration("STALE_RETENTION", 7*24*time.Hour),

		// Client
		OriginURL:             envStr("ORIGIN_URL", "http://localhost:3001"),
		ClientDBPath:          envStr("CLIENT_DB_PATH", "data/cardvault-client.db"),
		ClientCacheTTL:        envDuration("CLIENT_CACHE_TTL", 6*time.Hour),
		BatchSize:             envInt("BATCH_SIZE", 5),
		InterBatchDelay:       envDuration("INTER_BATCH_DELAY", time.Second),
		SweepInterval:         envDuration("SWEEP_INTERVAL", time.Hour),
		EstimateMarkupPercent: envFloat("ESTIMATE_MARKUP_PERCENT", 20),
		ItemsFile:             envStr("ITEMS_FILE", "items.txt"),
	}

	file, err := LoadProvidersFile(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	cfg.applyProviders(file)

	return cfg, nil
}

// applyProviders takes the catalogue from the YAML file when one exists,
// otherwise builds the default two-catalog setup from env.
func (c *Config) applyProviders(file *ProvidersFile) {
	if file != nil {
		if file.ReferenceCurrency != "" {
			c.ReferenceCurrency = strings.ToUpper(file.ReferenceCurrency)
		}
		if len(file.ExchangeRates) > 0 {
			c.FXRates = file.RatesString()
		}
		if len(file.Providers) > 0 {
			c.Providers = file.Providers
		}
	}
	if len(c.Providers) == 0 {
		c.Providers = []ProviderConfig{
			{Name: "tcgapi", Kind: KindTCGAPI, BaseURL: c.TCGAPIURL, APIKey: c.TCGAPIKey, RatePerSecond: 2},
			{Name: "priceguide", Kind: KindPriceGuide, BaseURL: c.PriceGuideURL, RatePerSecond: 1},
		}
	}
	for i := range c.Providers {
		if c.Providers[i].Timeout <= 0 {
			c.Providers[i].Timeout = c.ProviderTimeout
		}
	}
}

func (c *Config) Validate() error {
	var errs []string

	if c.DailyCallLimit <= 0 {
		errs = append(errs, "DAILY_CALL_LIMIT must be positive")
	}
	if c.OriginCacheTTL <= 0 {
		errs = append(errs, "ORIGIN_CACHE_TTL must be positive")
	}
	if c.PurgeInterval <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, "CACHE_PURGE_INTERVAL and SWEEP_INTERVAL must be positive")
	}
	if c.ClientCacheTTL <= 0 {
		errs = append(errs, "CLIENT_CACHE_TTL must be positive")
	}
	if c.BatchSize <= 0 {
		errs = append(errs, "BATCH_SIZE must be positive")
	}
	if c.InterBatchDelay < 0 {
		errs = append(errs, "INTER_BATCH_DELAY must not be negative")
	}
	if _, err := pricing.PolicyByName(c.MagnitudePolicy); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := pricing.ParseRates(c.FXRates); err != nil {
		errs = append(errs, "FX_RATES: "+err.Error())
	}
	if _, err := time.LoadLocation(c.QuotaTimezone); err != nil {
		errs = append(errs, fmt.Sprintf("QUOTA_TIMEZONE %q: %v", c.QuotaTimezone, err))
	}
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.APIKey == "" {
		slog.Warn("API_KEY not set, REST API has no authentication")
	}
	if c.ClientCacheTTL > c.OriginCacheTTL {
		slog.Warn("CLIENT_CACHE_TTL is longer than ORIGIN_CACHE_TTL, client copies will outlive the origin")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) Print() {
	fmt.Println("=== Market Data Service Configuration ===")
	fmt.Printf("Service: %s (port %d)\n", c.ServiceName, c.APIPort)
	fmt.Printf("Database: %s@%s:%d/%s\n", c.DBUser, c.DBHost, c.DBPort, c.DBName)
	fmt.Println("--------------------------------------")
	fmt.Println("Providers (priority order):")
	for i, p := range c.Providers {
		fmt.Printf("  %d. %s (%s) %s key=%s\n", i+1, p.Name, p.Kind, boolLabel(p.BaseURL != "", p.BaseURL, "default url"),
			boolLabel(p.APIKey != "", "set", "none"))
	}
	fmt.Println("--------------------------------------")
	fmt.Printf("Reference currency: %s, rates: %s\n", c.ReferenceCurrency, c.FXRates)
	fmt.Printf("Magnitude policy: %s\n", c.MagnitudePolicy)
	fmt.Printf("Origin cache TTL: %s (stale kept %s)\n", c.OriginCacheTTL, c.StaleRetention)
	fmt.Printf("Daily call limit: %d (%s)\n", c.DailyCallLimit, c.QuotaTimezone)
	fmt.Printf("Webhook: %s\n", boolLabel(c.WebhookURL != "", "configured", "not set"))
	fmt.Println("======================================")
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// Location is the time zone quota days are counted in. Falls back to UTC;
// Validate reports bad names.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Logger builds the process logger and installs it as the slog default.
func (c *Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	var h slog.Handler
	if c.LogJSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	l := slog.New(h).With("service", c.ServiceName)
	slog.SetDefault(l)
	return l
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

// envDuration accepts Go durations ("90s", "6h") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
