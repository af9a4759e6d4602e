// Package units converts weights and dimensions between measurement units
// and rounds monetary amounts.
package units

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// WeightUnit represents weight measurement unit.
type WeightUnit string

const (
	WeightKG WeightUnit = "kg"
	WeightG  WeightUnit = "g"
	WeightLB WeightUnit = "lb"
	WeightOZ WeightUnit = "oz"
)

// DimensionUnit represents dimension measurement unit.
type DimensionUnit string

const (
	DimensionCM DimensionUnit = "cm"
	DimensionMM DimensionUnit = "mm"
	DimensionM  DimensionUnit = "m"
	DimensionIN DimensionUnit = "in"
)

// ErrUnknownUnit is returned for a unit that has no conversion factor.
var ErrUnknownUnit = errors.New("unknown unit")

// grams per unit
var weightFactors = map[WeightUnit]float64{
	WeightKG: 1000,
	WeightG:  1,
	WeightLB: 453.59237,
	WeightOZ: 28.349523125,
}

// millimetres per unit
var dimensionFactors = map[DimensionUnit]float64{
	DimensionCM: 10,
	DimensionMM: 1,
	DimensionM:  1000,
	DimensionIN: 25.4,
}

// ParseWeightUnit normalizes common spellings ("KG", "lbs", "pound") to a WeightUnit.
func ParseWeightUnit(s string) (WeightUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kg", "kgs", "kilogram", "kilograms":
		return WeightKG, nil
	case "g", "gram", "grams":
		return WeightG, nil
	case "lb", "lbs", "pound", "pounds":
		return WeightLB, nil
	case "oz", "ounce", "ounces":
		return WeightOZ, nil
	}
	return "", fmt.Errorf("%w: weight %q", ErrUnknownUnit, s)
}

// ParseDimensionUnit normalizes common spellings to a DimensionUnit.
func ParseDimensionUnit(s string) (DimensionUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cm", "centimeter", "centimeters":
		return DimensionCM, nil
	case "mm", "millimeter", "millimeters":
		return DimensionMM, nil
	case "m", "meter", "meters":
		return DimensionM, nil
	case "in", "inch", "inches":
		return DimensionIN, nil
	}
	return "", fmt.Errorf("%w: dimension %q", ErrUnknownUnit, s)
}

// ConvertWeight converts value from one weight unit to another.
// An empty unit is treated as kilograms.
func ConvertWeight(value float64, from, to WeightUnit) (float64, error) {
	if from == "" {
		from = WeightKG
	}
	if to == "" {
		to = WeightKG
	}
	if from == to {
		return value, nil
	}
	f, ok := weightFactors[from]
	if !ok {
		return 0, fmt.Errorf("%w: weight %q", ErrUnknownUnit, from)
	}
	t, ok := weightFactors[to]
	if !ok {
		return 0, fmt.Errorf("%w: weight %q", ErrUnknownUnit, to)
	}
	return value * f / t, nil
}

// ConvertDimension converts value from one dimension unit to another.
// An empty unit is treated as centimetres.
func ConvertDimension(value float64, from, to DimensionUnit) (float64, error) {
	if from == "" {
		from = DimensionCM
	}
	if to == "" {
		to = DimensionCM
	}
	if from == to {
		return value, nil
	}
	f, ok := dimensionFactors[from]
	if !ok {
		return 0, fmt.Errorf("%w: dimension %q", ErrUnknownUnit, from)
	}
	t, ok := dimensionFactors[to]
	if !ok {
		return 0, fmt.Errorf("%w: dimension %q", ErrUnknownUnit, to)
	}
	return value * f / t, nil
}

// Ceil rounds a weight up to the next whole unit. Conversion noise below
// one millionth of a unit is discarded first, so 3.0000000001 ceils to 3.
func Ceil(value float64) int64 {
	return int64(math.Ceil(math.Round(value*1e6) / 1e6))
}

// Round2 rounds a monetary amount to two decimal places, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
