// Package fee computes the platform markup charged on top of a shipping rate.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
)

// Basis is the quantity a fee rate is applied to.
type Basis string

const (
	BasisOrder   Basis = "order"
	BasisPackage Basis = "package"
	BasisWeight  Basis = "weight"
)

// Type says whether Rate.Rate is a fixed amount or a percentage.
type Type string

const (
	TypeFlat       Type = "flat"
	TypePercentage Type = "percentage"
)

// BillingType is how an account is billed for labels.
type BillingType string

const (
	// BillingFlat charges the account fee as a fixed amount.
	BillingFlat BillingType = "flat"
	// BillingProportion charges the account fee as a percentage of the carrier rate.
	BillingProportion BillingType = "proportion"
)

var hundred = decimal.NewFromInt(100)

// Rate is one fee rule.
type Rate struct {
	Basis      Basis            `json:"basis"`
	Type       Type             `json:"type"`
	Rate       decimal.Decimal  `json:"rate"`
	WeightUnit units.WeightUnit `json:"weightUnit,omitempty"` // only for BasisWeight
}

// Validate checks that the rule is well formed.
func (r Rate) Validate() error {
	switch r.Basis {
	case BasisOrder, BasisPackage, BasisWeight:
	default:
		return fmt.Errorf("unknown fee basis %q", r.Basis)
	}
	switch r.Type {
	case TypeFlat, TypePercentage:
	default:
		return fmt.Errorf("unknown fee type %q", r.Type)
	}
	if r.Rate.IsNegative() {
		return fmt.Errorf("fee rate must not be negative: %s", r.Rate)
	}
	return nil
}

// Compute sums every rule applied to the shipment and base amount. The result
// is not rounded; callers round the final total once.
//
// Percentage rules only apply to the order basis. At package or weight
// basis they contribute nothing.
func Compute(s *carrier.Shipment, base decimal.Decimal, rates []Rate) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range rates {
		term, err := term(s, base, r)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(term)
	}
	return total, nil
}

func term(s *carrier.Shipment, base decimal.Decimal, r Rate) (decimal.Decimal, error) {
	switch r.Basis {
	case BasisOrder:
		if r.Type == TypePercentage {
			return base.Mul(r.Rate).Div(hundred), nil
		}
		return r.Rate, nil

	case BasisPackage:
		if r.Type == TypePercentage {
			return decimal.Zero, nil
		}
		return r.Rate.Mul(decimal.NewFromInt(int64(s.PackageCount()))), nil

	case BasisWeight:
		if r.Type == TypePercentage {
			return decimal.Zero, nil
		}
		w, err := s.TotalWeight(r.WeightUnit)
		if err != nil {
			return decimal.Zero, fmt.Errorf("weight fee: %w", err)
		}
		return r.Rate.Mul(decimal.NewFromInt(units.Ceil(w))), nil
	}
	return decimal.Zero, fmt.Errorf("unknown fee basis %q", r.Basis)
}

// AccountRate turns an account's billing settings into a single fee rule.
// A proportion account is a percentage of the carrier rate and never of a
// previously computed fee.
func AccountRate(billing BillingType, amount decimal.Decimal, basis Basis, unit units.WeightUnit) Rate {
	t := TypeFlat
	if billing == BillingProportion {
		t = TypePercentage
	}
	if basis == "" {
		basis = BasisOrder
	}
	return Rate{Basis: basis, Type: t, Rate: amount, WeightUnit: unit}
}

// IsZero reports whether r can never contribute to a fee.
func (r Rate) IsZero() bool {
	return r.Rate.IsZero() || (r.Type == TypePercentage && r.Basis != BasisOrder)
}
