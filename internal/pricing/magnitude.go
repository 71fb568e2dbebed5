package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MagnitudePolicy decides whether a provider amount is already in minor
// units. Providers are inconsistent about this and do not say which they
// use, so the rule is named and versioned to keep it swappable.
type MagnitudePolicy interface {
	Name() string
	ToMinor(amount decimal.Decimal) decimal.Decimal
}

const (
	PolicyThreshold1000 = "threshold-1000"
	PolicyMajorUnits    = "major-units"
)

var hundred = decimal.NewFromInt(100)

// ThresholdPolicy treats amounts strictly greater than Threshold as minor
// units. An amount equal to Threshold is a major-unit amount.
type ThresholdPolicy struct {
	Threshold decimal.Decimal
}

func (p ThresholdPolicy) Name() string {
	return fmt.Sprintf("threshold-%s/v1", p.Threshold.String())
}

func (p ThresholdPolicy) ToMinor(amount decimal.Decimal) decimal.Decimal {
	if amount.GreaterThan(p.Threshold) {
		return amount
	}
	return amount.Mul(hundred)
}

// MajorUnitsPolicy assumes every amount is in major units.
type MajorUnitsPolicy struct{}

func (MajorUnitsPolicy) Name() string { return "major-units/v2" }

func (MajorUnitsPolicy) ToMinor(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(hundred)
}

func PolicyByName(name string) (MagnitudePolicy, error) {
	switch name {
	case "", PolicyThreshold1000:
		return ThresholdPolicy{Threshold: decimal.NewFromInt(1000)}, nil
	case PolicyMajorUnits:
		return MajorUnitsPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown magnitude policy %q", name)
	}
}
