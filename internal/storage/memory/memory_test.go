package memory_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipgate/internal/customservice"
	"github.com/tournevent/shipgate/internal/pricetable"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/internal/storage/memory"
	"github.com/tournevent/shipgate/pkg/carrier"
)

func TestBalance_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.PutBalance(ctx, &storage.Balance{MerchantID: "m1", Balance: decimal.NewFromInt(10)}))

	a, err := store.GetBalance(ctx, "m1")
	require.NoError(t, err)
	b, err := store.GetBalance(ctx, "m1")
	require.NoError(t, err)

	a.Balance = decimal.NewFromInt(7)
	require.NoError(t, store.UpdateBalance(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	b.Balance = decimal.NewFromInt(3)
	assert.ErrorIs(t, store.UpdateBalance(ctx, b), storage.ErrVersionConflict)

	got, err := store.GetBalance(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "7", got.Balance.String())

	_, err = store.GetBalance(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestShipment_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	sh := &storage.Shipment{ID: "s1", MerchantID: "m1", ClientOrderID: "o1", AccountID: "a1", Status: storage.StatusPending}
	require.NoError(t, store.CreateShipment(ctx, sh))
	assert.Error(t, store.CreateShipment(ctx, sh), "duplicate id")

	_, err := store.FindFulfilled(ctx, "m1", "o1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "pending shipments are not fulfilled")

	sh.TrackingID = "T1"
	sh.Rate = carrier.Rate{ServiceID: "GROUND", Total: decimal.RequireFromString("9.99")}
	billing := &storage.Billing{ID: "b1", MerchantID: "m1", ShipmentID: "s1", Total: sh.Rate.Total}
	require.NoError(t, store.CompleteFulfillment(ctx, sh, billing))

	found, err := store.FindFulfilled(ctx, "m1", "o1")
	require.NoError(t, err)
	assert.Equal(t, "T1", found.TrackingID)

	assert.ErrorIs(t, store.CompleteFulfillment(ctx, sh, billing), storage.ErrImmutable, "second billing")

	changed := *found
	changed.TrackingID = "T2"
	assert.ErrorIs(t, store.UpdateShipment(ctx, &changed), storage.ErrImmutable)

	back := *found
	back.Status = storage.StatusPending
	assert.ErrorIs(t, store.UpdateShipment(ctx, &back), storage.ErrInvalidTransition)

	cancelled := *found
	cancelled.Status = storage.StatusCancelled
	require.NoError(t, store.UpdateShipment(ctx, &cancelled))

	found, err = store.FindFulfilled(ctx, "m1", "o1")
	require.NoError(t, err, "a cancelled label still answers for its order")
	assert.Equal(t, storage.StatusCancelled, found.Status)
	assert.Equal(t, "T1", found.TrackingID)

	billings, err := store.ListBillings(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, billings, 1)
}

func TestMarkManifested(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	for _, id := range []string{"s1", "s2", "s3"} {
		sh := &storage.Shipment{ID: id, AccountID: "a1", Status: storage.StatusPending}
		require.NoError(t, store.CreateShipment(ctx, sh))
		sh.TrackingID = "T-" + id
		require.NoError(t, store.CompleteFulfillment(ctx, sh, nil))
	}

	pending, err := store.ListUnmanifested(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	n, err := store.MarkManifested(ctx, "a1", "MAN-1", []string{"T-s1", "T-s3", "T-unknown"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err = store.ListUnmanifested(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s2", pending[0].ID)
}

func TestPriceTables_ValidatedOnWrite(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	bad := &pricetable.Table{ID: "t1", Carrier: "fc", ServiceID: "G", Rows: []pricetable.Row{{Weight: "1-5"}, {Weight: "3-8"}}}
	assert.ErrorIs(t, store.PutPriceTable(ctx, bad), pricetable.ErrInvalidTable)

	good := &pricetable.Table{ID: "t1", Carrier: "fc", ServiceID: "G", Rows: []pricetable.Row{{Weight: "1-5"}}}
	require.NoError(t, store.PutPriceTable(ctx, good))

	tables, err := store.ListPriceTables(ctx, "fc", "G")
	require.NoError(t, err)
	assert.Len(t, tables, 1)
}

func TestCustomService_ValidatedOnWrite(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	cs := &customservice.CustomService{Carrier: "fc", Candidates: []customservice.Candidate{
		{ServiceID: "A", IsBackup: true}, {ServiceID: "B", IsBackup: true},
	}}
	assert.ErrorIs(t, store.PutCustomService(ctx, "m1", cs), customservice.ErrInvalidCustomService)

	cs.Candidates[1].IsBackup = false
	require.NoError(t, store.PutCustomService(ctx, "m1", cs))

	got, err := store.GetCustomService(ctx, "m1", "fc")
	require.NoError(t, err)
	assert.Len(t, got.Candidates, 2)
}
