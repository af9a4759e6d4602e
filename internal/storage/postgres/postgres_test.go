package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipgate/internal/fee"
	"github.com/tournevent/shipgate/internal/pricetable"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/internal/storage/postgres"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
)

// newStore connects to SHIPGATE_TEST_DATABASE_URL, skipping when unset.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("SHIPGATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SHIPGATE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	return postgres.New(pool)
}

func TestStore_BalanceCompareAndSwap(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	merchant := "m-" + uuid.NewString()

	require.NoError(t, store.PutBalance(ctx, &storage.Balance{MerchantID: merchant, Balance: decimal.RequireFromString("25.50"), Currency: "USD"}))

	a, err := store.GetBalance(ctx, merchant)
	require.NoError(t, err)
	b, err := store.GetBalance(ctx, merchant)
	require.NoError(t, err)

	a.Balance = decimal.RequireFromString("20.00")
	require.NoError(t, store.UpdateBalance(ctx, a))

	b.Balance = decimal.RequireFromString("1.00")
	assert.ErrorIs(t, store.UpdateBalance(ctx, b), storage.ErrVersionConflict)

	got, err := store.GetBalance(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, "20.00", got.Balance.StringFixed(2))
	assert.Equal(t, int64(1), got.Version)
}

func TestStore_FulfillmentIsAtomic(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	merchant := "m-" + uuid.NewString()

	sh := &storage.Shipment{
		ID:            uuid.NewString(),
		MerchantID:    merchant,
		ClientOrderID: "order-1",
		AccountID:     "acct-1",
		Carrier:       "mock",
		Packages:      []carrier.Package{{Weight: 1, WeightUnit: units.WeightKG}},
		Status:        storage.StatusPending,
	}
	require.NoError(t, store.CreateShipment(ctx, sh))

	sh.TrackingID = "T-1"
	sh.Rate = carrier.Rate{ServiceID: "GROUND", Total: decimal.RequireFromString("10.00")}
	billing := &storage.Billing{
		ID: uuid.NewString(), MerchantID: merchant, ShipmentID: sh.ID, Total: sh.Rate.Total,
		FeeBasis: fee.BasisOrder, Currency: "USD",
	}
	require.NoError(t, store.CompleteFulfillment(ctx, sh, billing))

	found, err := store.FindFulfilled(ctx, merchant, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "T-1", found.TrackingID)
	require.Len(t, found.Packages, 1)

	billing.ID = uuid.NewString()
	assert.ErrorIs(t, store.CompleteFulfillment(ctx, sh, billing), storage.ErrImmutable)

	billings, err := store.ListBillings(ctx, merchant)
	require.NoError(t, err)
	assert.Len(t, billings, 1)

	found.Status = storage.StatusCancelled
	require.NoError(t, store.UpdateShipment(ctx, found))
	cancelled, err := store.FindFulfilled(ctx, merchant, "order-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, cancelled.Status)
}

func TestStore_PriceTablesKeepOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	service := "svc-" + uuid.NewString()

	for _, id := range []string{"b-" + service, "a-" + service} {
		require.NoError(t, store.PutPriceTable(ctx, &pricetable.Table{
			ID: id, Carrier: "mock", ServiceID: service, WeightUnit: units.WeightKG,
			Rows:  []pricetable.Row{{Weight: "1", Prices: map[string]decimal.Decimal{"Z": decimal.NewFromInt(1)}}},
			Zones: []pricetable.Zone{{Name: "Z", Mappings: "US_US"}},
		}))
	}

	tables, err := store.ListPriceTables(ctx, "mock", service)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "b-"+service, tables[0].ID)
}
