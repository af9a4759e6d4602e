package pricetable_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipgate/internal/fee"
	"github.com/tournevent/shipgate/internal/pricetable"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v float64) *float64 { return &v }

func shipmentKG(weight float64, origin, dest string) *carrier.Shipment {
	return &carrier.Shipment{
		Sender:    carrier.Address{CountryCode: origin},
		Recipient: carrier.Address{CountryCode: dest},
		Packages:  []carrier.Package{{Weight: weight, WeightUnit: units.WeightKG}},
	}
}

func bracketTable() pricetable.Table {
	return pricetable.Table{
		ID:         "pt-1",
		Carrier:    "freightcom",
		ServiceID:  "GROUND",
		WeightUnit: units.WeightKG,
		Currency:   "USD",
		Rows: []pricetable.Row{
			{Weight: "1", Prices: map[string]decimal.Decimal{"Z1": d("5.00")}},
			{Weight: "2-5", Prices: map[string]decimal.Decimal{"Z1": d("2.00")}},
			{Weight: "'>5'", Prices: map[string]decimal.Decimal{"Z1": d("1.50")}},
		},
		Zones: []pricetable.Zone{{Name: "Z1", Mappings: "US_US, US_CA"}},
	}
}

func TestResolve_BracketMultipliesByCeiledWeight(t *testing.T) {
	p, err := pricetable.Resolve(shipmentKG(3, "US", "US"), []pricetable.Table{bracketTable()})
	require.NoError(t, err)

	assert.Equal(t, "2-5", p.Row)
	assert.True(t, p.PerUnit)
	assert.Equal(t, "6.00", p.Amount.StringFixed(2))
	assert.Equal(t, "Z1", p.Zone)
	assert.Equal(t, "USD", p.Currency)
}

func TestResolve_RowSelection(t *testing.T) {
	tests := []struct {
		name    string
		weight  float64
		row     string
		perUnit bool
		amount  string
	}{
		{"exact total", 1, "1", false, "5.00"},
		{"exact closest ceiling", 0.4, "1", false, "5.00"},
		{"fraction rounds into bracket", 1.2, "2-5", true, "4.00"},
		{"upper edge of range", 5, "2-5", true, "10.00"},
		{"open range", 7.5, "'>5'", true, "12.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := pricetable.Resolve(shipmentKG(tt.weight, "US", "CA"), []pricetable.Table{bracketTable()})
			require.NoError(t, err)
			assert.Equal(t, tt.row, p.Row)
			assert.Equal(t, tt.perUnit, p.PerUnit)
			assert.Equal(t, tt.amount, p.Amount.StringFixed(2))
		})
	}
}

func TestResolve_ConvertsIntoGridUnit(t *testing.T) {
	table := bracketTable()
	table.WeightUnit = units.WeightLB

	// 1kg = 2.2046lb, ceil 3 -> 2-5 bracket
	p, err := pricetable.Resolve(shipmentKG(1, "US", "US"), []pricetable.Table{table})
	require.NoError(t, err)
	assert.Equal(t, "6.00", p.Amount.StringFixed(2))
}

func TestResolve_AppliesTableFees(t *testing.T) {
	table := bracketTable()
	table.Fees = []fee.Rate{
		{Basis: fee.BasisOrder, Type: fee.TypePercentage, Rate: d("10")},
		{Basis: fee.BasisOrder, Type: fee.TypeFlat, Rate: d("0.333")},
	}

	p, err := pricetable.Resolve(shipmentKG(3, "US", "US"), []pricetable.Table{table})
	require.NoError(t, err)
	assert.Equal(t, "6.00", p.Base.StringFixed(2))
	// 6 + 0.6 + 0.333 = 6.933
	assert.Equal(t, "6.93", p.Amount.StringFixed(2))
}

func TestResolve_FailureModesAreDistinct(t *testing.T) {
	_, err := pricetable.Resolve(shipmentKG(3, "US", "US"), nil)
	assert.ErrorIs(t, err, pricetable.ErrChannelUnavailable)

	limited := bracketTable()
	limited.Condition = pricetable.Condition{MaxWeight: ptr(2), Unit: units.WeightKG}
	_, err = pricetable.Resolve(shipmentKG(3, "US", "US"), []pricetable.Table{limited})
	assert.ErrorIs(t, err, pricetable.ErrWeightOutOfRange)
	assert.NotErrorIs(t, err, pricetable.ErrNoPriceFound)

	_, err = pricetable.Resolve(shipmentKG(3, "US", "MX"), []pricetable.Table{bracketTable()})
	assert.ErrorIs(t, err, pricetable.ErrNoPriceFound, "zone miss")
	assert.NotErrorIs(t, err, pricetable.ErrWeightOutOfRange)
}

func TestResolve_NoRowForWeight(t *testing.T) {
	table := bracketTable()
	table.Rows = table.Rows[:2]

	_, err := pricetable.Resolve(shipmentKG(9, "US", "US"), []pricetable.Table{table})
	assert.ErrorIs(t, err, pricetable.ErrNoPriceFound)
}

func TestResolve_FallsThroughToNextApplicableTable(t *testing.T) {
	domestic := bracketTable()
	intl := bracketTable()
	intl.ID = "pt-intl"
	intl.Zones = []pricetable.Zone{{Name: "Z1", Mappings: "US_MX"}}

	p, err := pricetable.Resolve(shipmentKG(3, "US", "MX"), []pricetable.Table{domestic, intl})
	require.NoError(t, err)
	assert.Equal(t, "pt-intl", p.TableID)
}

func TestApplies(t *testing.T) {
	table := bracketTable()
	table.Condition = pricetable.Condition{MinWeight: ptr(16), MaxWeight: ptr(32), Unit: units.WeightOZ}

	ok, err := table.Applies(shipmentKG(0.5, "US", "US")) // 17.64oz
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = table.Applies(shipmentKG(1, "US", "US")) // 35.27oz
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	valid := bracketTable()
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		rows []string
	}{
		{"overlapping ranges", []string{"1-5", "4-8"}},
		{"range overlaps open", []string{"2-6", ">5"}},
		{"two open ranges", []string{">5", ">10"}},
		{"duplicate exact", []string{"1", "1.0"}},
		{"exact inside range", []string{"2-5", "3"}},
		{"malformed", []string{"abc"}},
		{"inverted range", []string{"5-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := bracketTable()
			table.Rows = nil
			for _, w := range tt.rows {
				table.Rows = append(table.Rows, pricetable.Row{Weight: w, Prices: map[string]decimal.Decimal{"Z1": d("1")}})
			}
			assert.ErrorIs(t, table.Validate(), pricetable.ErrInvalidTable)
		})
	}

	unmapped := bracketTable()
	unmapped.Rows[0].Prices["Z9"] = d("1")
	assert.ErrorIs(t, unmapped.Validate(), pricetable.ErrInvalidTable)
}
