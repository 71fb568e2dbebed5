package models

import (
	"errors"
	"math"
	"time"
)

type PriceSource string

const (
	SourcePrimary   PriceSource = "primary_catalog"
	SourceSecondary PriceSource = "secondary_catalog"
	SourceEstimate  PriceSource = "estimate"
)

type Historical struct {
	Avg7d  int64 `json:"avg7d"`
	Avg30d int64 `json:"avg30d"`
}

type Trend struct {
	Direction int     `json:"direction"`
	Percent   float64 `json:"percent"`
}

// ProductPriceRecord is the resolved market value of one collectible.
// All monetary fields are integer minor units of the reference currency.
// Priced is false when the catalog listed the product without any price;
// the market value is then zero.
type ProductPriceRecord struct {
	Name                  string      `json:"name"`
	SetName               string      `json:"setName,omitempty"`
	Rarity                string      `json:"rarity,omitempty"`
	ImageURL              string      `json:"imageUrl,omitempty"`
	MarketValueMinorUnits int64       `json:"marketValueMinorUnits"`
	Priced                bool        `json:"priced"`
	PriceSource           PriceSource `json:"priceSource"`
	Historical            *Historical `json:"historical,omitempty"`
	Trend                 *Trend      `json:"trend,omitempty"`
	FetchedAt             time.Time   `json:"fetchedAt"`
	ExpiresAt             time.Time   `json:"expiresAt"`
}

func (r *ProductPriceRecord) Validate() error {
	if r.Name == "" {
		return errors.New("record has no name")
	}
	if r.MarketValueMinorUnits < 0 {
		return errors.New("market value is negative")
	}
	if !r.ExpiresAt.After(r.FetchedAt) {
		return errors.New("expiresAt must be after fetchedAt")
	}
	return nil
}

// DeriveTrend compares the 7-day average against the 30-day average.
// Returns nil when there is no 30-day baseline to compare against.
func DeriveTrend(h *Historical) *Trend {
	if h == nil || h.Avg30d == 0 {
		return nil
	}
	diff := h.Avg7d - h.Avg30d
	pct := float64(diff) / float64(h.Avg30d) * 100
	t := &Trend{Percent: math.Round(pct*100) / 100}
	switch {
	case diff > 0:
		t.Direction = 1
	case diff < 0:
		t.Direction = -1
	}
	return t
}
