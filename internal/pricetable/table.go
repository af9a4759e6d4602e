// Package pricetable prices shipments from internal zone and weight bracketed
// rate grids instead of a live carrier quote.
package pricetable

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/internal/fee"
	"github.com/tournevent/shipgate/pkg/units"
)

var (
	// ErrChannelUnavailable is returned when there is no price table at all.
	ErrChannelUnavailable = errors.New("no price table configured for channel")
	// ErrWeightOutOfRange is returned when no table's condition covers the weight.
	ErrWeightOutOfRange = errors.New("shipment weight is outside every price table range")
	// ErrNoPriceFound is returned when applicable tables have no row or zone for the shipment.
	ErrNoPriceFound = errors.New("no price found")
	// ErrInvalidTable is returned by Validate.
	ErrInvalidTable = errors.New("invalid price table")
)

// Condition restricts a table to a total weight range. A nil bound is open.
type Condition struct {
	MinWeight *float64         `json:"minWeight,omitempty"`
	MaxWeight *float64         `json:"maxWeight,omitempty"`
	Unit      units.WeightUnit `json:"unit,omitempty"`
}

// Row is one line of the price grid. Weight is an exact value ("1"), a
// range ("2-5") or an open range (">5"). Prices is keyed by zone name.
type Row struct {
	Weight string                     `json:"weight"`
	Prices map[string]decimal.Decimal `json:"prices"`
}

// Zone maps a set of "ORIGIN_DEST" country pairs to a grid column.
type Zone struct {
	Name     string `json:"name"`
	Mappings string `json:"mappings"` // comma separated, e.g. "US_US,US_CA"
}

// Table is a thirdparty price table for one carrier service.
type Table struct {
	ID         string           `json:"id"`
	Carrier    string           `json:"carrier"`
	ServiceID  string           `json:"serviceId"`
	Region     string           `json:"region,omitempty"`
	Condition  Condition        `json:"condition"`
	WeightUnit units.WeightUnit `json:"weightUnit"`
	Currency   string           `json:"currency"`
	Rows       []Row            `json:"rows"`
	Zones      []Zone           `json:"zones"`
	Fees       []fee.Rate       `json:"fees,omitempty"`
}

type tokenKind int

const (
	tokenExact tokenKind = iota
	tokenRange
	tokenOpen
)

type token struct {
	kind tokenKind
	lo   float64 // exact value for tokenExact
	hi   float64 // tokenRange only
}

func (t token) bracket() bool { return t.kind != tokenExact }

// parseToken accepts "3", "2-5" and ">5". Surrounding quotes and spaces are
// ignored.
func parseToken(raw string) (token, error) {
	s := strings.Trim(strings.TrimSpace(raw), `"' `)
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return token{}, fmt.Errorf("empty weight token")
	}

	if strings.HasPrefix(s, ">") {
		lo, err := parseNumber(s[1:])
		if err != nil {
			return token{}, fmt.Errorf("weight token %q: %w", raw, err)
		}
		return token{kind: tokenOpen, lo: lo}, nil
	}

	if i := strings.Index(s, "-"); i > 0 {
		lo, err := parseNumber(s[:i])
		if err != nil {
			return token{}, fmt.Errorf("weight token %q: %w", raw, err)
		}
		hi, err := parseNumber(s[i+1:])
		if err != nil {
			return token{}, fmt.Errorf("weight token %q: %w", raw, err)
		}
		if lo > hi {
			return token{}, fmt.Errorf("weight token %q: lower bound above upper bound", raw)
		}
		return token{kind: tokenRange, lo: lo, hi: hi}, nil
	}

	v, err := parseNumber(s)
	if err != nil {
		return token{}, fmt.Errorf("weight token %q: %w", raw, err)
	}
	return token{kind: tokenExact, lo: v}, nil
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative weight %v", v)
	}
	return v, nil
}

// Validate rejects tables whose grid could resolve ambiguously: malformed
// tokens, duplicate exact rows, overlapping brackets, exact rows inside a
// bracket, and grid columns without a zone mapping.
func (t *Table) Validate() error {
	if t.ServiceID == "" {
		return fmt.Errorf("%w: missing service id", ErrInvalidTable)
	}
	if len(t.Rows) == 0 {
		return fmt.Errorf("%w %s: no rows", ErrInvalidTable, t.ID)
	}
	if _, err := units.ConvertWeight(1, t.WeightUnit, units.WeightKG); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidTable, t.ID, err)
	}
	if _, err := units.ConvertWeight(1, t.Condition.Unit, units.WeightKG); err != nil {
		return fmt.Errorf("%w %s: condition: %w", ErrInvalidTable, t.ID, err)
	}
	for _, r := range t.Fees {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w %s: %w", ErrInvalidTable, t.ID, err)
		}
	}

	zones := make(map[string]bool, len(t.Zones))
	for _, z := range t.Zones {
		zones[z.Name] = true
	}

	var exacts, brackets []token
	for _, row := range t.Rows {
		tok, err := parseToken(row.Weight)
		if err != nil {
			return fmt.Errorf("%w %s: %w", ErrInvalidTable, t.ID, err)
		}
		for name := range row.Prices {
			if !zones[name] {
				return fmt.Errorf("%w %s: zone %q has no mapping", ErrInvalidTable, t.ID, name)
			}
		}
		if tok.bracket() {
			brackets = append(brackets, tok)
		} else {
			exacts = append(exacts, tok)
		}
	}

	for i, a := range exacts {
		for _, b := range exacts[i+1:] {
			if a.lo == b.lo {
				return fmt.Errorf("%w %s: duplicate weight row %v", ErrInvalidTable, t.ID, a.lo)
			}
		}
		for _, b := range brackets {
			if b.contains(a.lo) {
				return fmt.Errorf("%w %s: weight row %v falls inside a bracket", ErrInvalidTable, t.ID, a.lo)
			}
		}
	}
	for i, a := range brackets {
		for _, b := range brackets[i+1:] {
			if overlaps(a, b) {
				return fmt.Errorf("%w %s: overlapping weight brackets", ErrInvalidTable, t.ID)
			}
		}
	}
	return nil
}

// contains treats ">lo" as starting strictly above lo, so "2-5" and ">5"
// share only the boundary the range row owns.
func (t token) contains(v float64) bool {
	switch t.kind {
	case tokenRange:
		return t.lo <= v && v <= t.hi
	case tokenOpen:
		return v > t.lo
	}
	return false
}

func overlaps(a, b token) bool {
	if a.kind == tokenOpen && b.kind == tokenOpen {
		return true
	}
	if a.kind == tokenOpen {
		a, b = b, a
	}
	if b.kind == tokenOpen {
		return a.hi > b.lo
	}
	return a.lo <= b.hi && b.lo <= a.hi
}
