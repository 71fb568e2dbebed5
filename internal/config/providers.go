package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	KindTCGAPI     = "tcgapi"
	KindPriceGuide = "priceguide"
)

// ProviderConfig describes one catalog adapter. Order in the list is
// lookup priority.
type ProviderConfig struct {
	Name          string        `yaml:"name"`
	Kind          string        `yaml:"kind"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Source        string        `yaml:"source"`
	PageSize      int           `yaml:"page_size"`
	MaxPages      int           `yaml:"max_pages"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout"`
}

func (p ProviderConfig) Validate() error {
	switch p.Kind {
	case KindTCGAPI, KindPriceGuide:
	default:
		return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
	}
	if p.Name == "" {
		return errors.New("provider name is required")
	}
	if p.PageSize < 0 || p.MaxPages < 0 || p.RatePerSecond < 0 {
		return fmt.Errorf("provider %q: page_size, max_pages and rate_per_second must not be negative", p.Name)
	}
	return nil
}

// ProvidersFile is the optional YAML catalogue. ${VAR} references are
// expanded from the environment before parsing.
type ProvidersFile struct {
	ReferenceCurrency string            `yaml:"reference_currency"`
	ExchangeRates     map[string]string `yaml:"exchange_rates"`
	Providers         []ProviderConfig  `yaml:"providers"`
}

// LoadProvidersFile returns nil without error when path does not exist.
func LoadProvidersFile(path string) (*ProvidersFile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var f ProvidersFile
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parse providers yaml: %w", err)
	}
	return &f, nil
}

// RatesString renders the exchange rates as "CODE=rate" pairs in a stable
// order.
func (f *ProvidersFile) RatesString() string {
	codes := make([]string, 0, len(f.ExchangeRates))
	for code := range f.ExchangeRates {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, strings.ToUpper(code)+"="+strings.TrimSpace(f.ExchangeRates[code]))
	}
	return strings.Join(parts, ",")
}
