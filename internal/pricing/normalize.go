// Package pricing converts provider price fields into a single integer
// market value in the reference currency.
package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/kjannette/cardvault-backend/internal/external"
	"github.com/kjannette/cardvault-backend/internal/models"
	"github.com/shopspring/decimal"
)

// Valuation is the normalized price of one catalog record. Found is false
// when the record carried no convertible price; MinorUnits is then zero.
type Valuation struct {
	MinorUnits int64
	Basis      external.PriceKind
	Found      bool
	Historical *models.Historical
}

var priority = []external.PriceKind{
	external.KindNearMint,
	external.KindAverage,
	external.KindListed,
}

// Normalizer is pure: the same fields always produce the same valuation.
// Rates are units of the reference currency per one unit of the keyed
// currency and are never refreshed at runtime. Every supported currency is
// assumed to have 100 minor units.
type Normalizer struct {
	reference string
	rates     map[string]decimal.Decimal
	policy    MagnitudePolicy
}

func NewNormalizer(reference string, rates map[string]decimal.Decimal, policy MagnitudePolicy) *Normalizer {
	reference = strings.ToUpper(reference)
	if reference == "" {
		reference = "USD"
	}
	if policy == nil {
		policy, _ = PolicyByName("")
	}
	rs := make(map[string]decimal.Decimal, len(rates)+1)
	for k, v := range rates {
		rs[strings.ToUpper(k)] = v
	}
	rs[reference] = decimal.NewFromInt(1)
	return &Normalizer{reference: reference, rates: rs, policy: policy}
}

func (n *Normalizer) Reference() string { return n.reference }
func (n *Normalizer) PolicyName() string { return n.policy.Name() }

func (n *Normalizer) Normalize(fields []external.PriceField) Valuation {
	var v Valuation
	for _, kind := range priority {
		if minor, ok := n.first(fields, kind); ok {
			v = Valuation{MinorUnits: minor, Basis: kind, Found: true}
			break
		}
	}

	avg7, ok7 := n.first(fields, external.KindAvg7d)
	avg30, ok30 := n.first(fields, external.KindAvg30d)
	if ok7 || ok30 {
		v.Historical = &models.Historical{Avg7d: avg7, Avg30d: avg30}
	}
	return v
}

// ToMinor converts a single amount into reference minor units.
func (n *Normalizer) ToMinor(m external.Money) (int64, error) {
	rate, ok := n.rates[strings.ToUpper(m.Currency)]
	if !ok {
		return 0, fmt.Errorf("no exchange rate for %q", m.Currency)
	}
	minor := n.policy.ToMinor(decimal.NewFromFloat(m.Amount)).Mul(rate)
	return minor.Round(0).IntPart(), nil
}

func (n *Normalizer) first(fields []external.PriceField, kind external.PriceKind) (int64, bool) {
	for _, f := range fields {
		if f.Kind != kind || f.Amount <= 0 {
			continue
		}
		if minor, err := n.ToMinor(f.Money); err == nil {
			return minor, true
		}
	}
	return 0, false
}

// EstimateFromCost builds a record priced at cost basis plus a markup, for
// callers that want a placeholder when no market data exists.
func EstimateFromCost(name string, costMinor int64, markupPercent float64, now time.Time, ttl time.Duration) models.ProductPriceRecord {
	value := decimal.NewFromInt(costMinor).
		Mul(decimal.NewFromFloat(100 + markupPercent)).
		Div(hundred).
		Round(0).
		IntPart()
	if value < 0 {
		value = 0
	}
	return models.ProductPriceRecord{
		Name:                  name,
		MarketValueMinorUnits: value,
		Priced:                true,
		PriceSource:           models.SourceEstimate,
		FetchedAt:             now,
		ExpiresAt:             now.Add(ttl),
	}
}

// ParseRates reads "EUR=1.08,GBP=1.27".
func ParseRates(s string) (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("bad rate %q", part)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("bad rate value for %s: %q", code, val)
		}
		out[strings.ToUpper(strings.TrimSpace(code))] = d
	}
	return out, nil
}
