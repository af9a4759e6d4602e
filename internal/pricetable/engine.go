package pricetable

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/internal/fee"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
)

// Price is a rate resolved from a table.
type Price struct {
	TableID  string
	Zone     string
	Row      string
	PerUnit  bool            // the grid value was multiplied by the ceiled weight
	Base     decimal.Decimal // grid value, multiplied when PerUnit
	Fee      decimal.Decimal
	Amount   decimal.Decimal // round2(Base + Fee)
	Currency string
}

// Applies reports whether the shipment's total weight falls inside the
// table's condition range.
func (t *Table) Applies(s *carrier.Shipment) (bool, error) {
	w, err := s.TotalWeight(t.Condition.Unit)
	if err != nil {
		return false, err
	}
	w = round6(w)
	if t.Condition.MinWeight != nil && w < *t.Condition.MinWeight {
		return false, nil
	}
	if t.Condition.MaxWeight != nil && w > *t.Condition.MaxWeight {
		return false, nil
	}
	return true, nil
}

// Lookup resolves the shipment against this table alone. It returns
// ErrNoPriceFound when no row or zone matches.
func (t *Table) Lookup(s *carrier.Shipment) (*Price, error) {
	raw, err := s.TotalWeight(t.WeightUnit)
	if err != nil {
		return nil, err
	}
	target := round6(raw)
	ceiled := float64(units.Ceil(raw))

	tokens := make([]token, len(t.Rows))
	closest := -1
	for i, row := range t.Rows {
		tok, err := parseToken(row.Weight)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidTable, t.ID, err)
		}
		tokens[i] = tok
		if tok.kind == tokenExact && tok.lo >= target {
			if closest < 0 || tok.lo < tokens[closest].lo {
				closest = i
			}
		}
	}

	rowIdx := -1
	for i, tok := range tokens {
		var ok bool
		switch tok.kind {
		case tokenExact:
			ok = i == closest
		case tokenRange:
			ok = tok.lo <= ceiled && ceiled <= tok.hi
		case tokenOpen:
			ok = tok.lo <= ceiled
		}
		if ok {
			rowIdx = i
			break
		}
	}
	if rowIdx < 0 {
		return nil, fmt.Errorf("%w: table %s has no row for weight %v%s", ErrNoPriceFound, t.ID, target, t.WeightUnit)
	}

	zone, ok := t.resolveZone(s.Sender.CountryCode, s.Recipient.CountryCode)
	if !ok {
		return nil, fmt.Errorf("%w: table %s has no zone for %s", ErrNoPriceFound, t.ID, zoneToken(s.Sender.CountryCode, s.Recipient.CountryCode))
	}
	value, ok := t.Rows[rowIdx].Prices[zone]
	if !ok {
		return nil, fmt.Errorf("%w: table %s row %q has no price for zone %s", ErrNoPriceFound, t.ID, t.Rows[rowIdx].Weight, zone)
	}

	p := &Price{
		TableID:  t.ID,
		Zone:     zone,
		Row:      t.Rows[rowIdx].Weight,
		PerUnit:  tokens[rowIdx].bracket(),
		Base:     value,
		Currency: t.Currency,
	}
	if p.PerUnit {
		p.Base = value.Mul(decimal.NewFromFloat(ceiled))
	}

	p.Fee, err = fee.Compute(s, p.Base, t.Fees)
	if err != nil {
		return nil, err
	}
	p.Amount = units.Round2(p.Base.Add(p.Fee))
	return p, nil
}

func (t *Table) resolveZone(origin, dest string) (string, bool) {
	want := zoneToken(origin, dest)
	for _, z := range t.Zones {
		for _, m := range strings.Split(z.Mappings, ",") {
			if strings.EqualFold(strings.TrimSpace(m), want) {
				return z.Name, true
			}
		}
	}
	return "", false
}

func zoneToken(origin, dest string) string {
	return strings.ToUpper(strings.TrimSpace(origin)) + "_" + strings.ToUpper(strings.TrimSpace(dest))
}

// Resolve prices the shipment against candidate tables, already filtered to
// the requested service. The first applicable table that yields a price wins.
//
// The three failure modes are distinct: ErrChannelUnavailable when tables is
// empty, ErrWeightOutOfRange when none applies, ErrNoPriceFound when every
// applicable table misses on row or zone.
func Resolve(s *carrier.Shipment, tables []Table) (*Price, error) {
	if len(tables) == 0 {
		return nil, ErrChannelUnavailable
	}

	var lastMiss error
	applicable := 0
	for i := range tables {
		t := &tables[i]
		ok, err := t.Applies(s)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		applicable++

		p, err := t.Lookup(s)
		if err == nil {
			return p, nil
		}
		lastMiss = err
	}

	if applicable == 0 {
		return nil, ErrWeightOutOfRange
	}
	return nil, lastMiss
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
