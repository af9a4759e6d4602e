package idempotency_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipgate/internal/cache"
	"github.com/tournevent/shipgate/internal/idempotency"
	"github.com/tournevent/shipgate/internal/keylock"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/internal/storage/memory"
	"github.com/tournevent/shipgate/internal/telemetry"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

var key = keylock.OrderKey{MerchantCode: "ACME", ClientOrderID: "order-1"}

func newCache(t *testing.T, store storage.ShipmentStore) (*idempotency.Cache, *cache.Cache[keylock.OrderKey, idempotency.Entry], *telemetry.Metrics) {
	t.Helper()
	results, err := cache.New[keylock.OrderKey, idempotency.Entry](16)
	require.NoError(t, err)
	metrics := telemetry.NewMetrics()
	return idempotency.New(store, results, 0, otelzap.New(zap.NewNop()), metrics), results, metrics
}

func TestCheckProcessed_Miss(t *testing.T) {
	c, _, _ := newCache(t, memory.New())

	res, err := c.CheckProcessed(context.Background(), key, "m1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestCheckProcessed_CachedResult(t *testing.T) {
	c, _, metrics := newCache(t, memory.New())
	c.CacheResult(key, "m1", &carrier.LabelResult{TrackingID: "T1"})

	res, err := c.CheckProcessed(context.Background(), key, "m1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "T1", res.TrackingID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotentHits))
}

func TestCheckProcessed_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sh := &storage.Shipment{ID: "s1", MerchantID: "m1", MerchantCode: "ACME", ClientOrderID: "order-1", Status: storage.StatusPending}
	require.NoError(t, store.CreateShipment(ctx, sh))
	sh.TrackingID = "T-STORE"
	require.NoError(t, store.CompleteFulfillment(ctx, sh, nil))

	c, results, _ := newCache(t, store)

	res, err := c.CheckProcessed(ctx, key, "m1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "T-STORE", res.TrackingID)
	assert.Equal(t, "s1", res.ShipmentID)
	assert.True(t, results.Has(key), "store hit is cached")

	// another merchant with the same order id is a different order
	other, err := c.CheckProcessed(ctx, keylock.OrderKey{MerchantCode: "OTHER", ClientOrderID: "order-1"}, "m2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestCacheResult_Expires(t *testing.T) {
	results, err := cache.New[keylock.OrderKey, idempotency.Entry](16)
	require.NoError(t, err)
	now := time.Now()
	results.SetClock(func() time.Time { return now })
	c := idempotency.New(memory.New(), results, time.Hour, otelzap.New(zap.NewNop()), nil)

	c.CacheResult(key, "m1", &carrier.LabelResult{TrackingID: "T1"})
	now = now.Add(2 * time.Hour)

	res, err := c.CheckProcessed(context.Background(), key, "m1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestInvalidate(t *testing.T) {
	c, _, _ := newCache(t, memory.New())
	c.CacheResult(key, "m1", &carrier.LabelResult{TrackingID: "T1"})
	c.Invalidate(key)

	res, err := c.CheckProcessed(context.Background(), key, "m1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLock_SerializesSameOrder(t *testing.T) {
	c, _, _ := newCache(t, memory.New())

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := c.Lock(context.Background(), key)
			require.NoError(t, err)
			defer unlock()

			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestCheckProcessed_CachedEntryOwnedByAnotherMerchant(t *testing.T) {
	c, _, metrics := newCache(t, memory.New())
	c.CacheResult(key, "m1", &carrier.LabelResult{ShipmentID: "s1", TrackingID: "T1"})

	res, err := c.CheckProcessed(context.Background(), key, "m2")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.IdempotentHits))

	res, err = c.CheckProcessed(context.Background(), key, "m1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "s1", res.ShipmentID)
}

func TestCheckProcessed_CancelledShipmentFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sh := &storage.Shipment{ID: "s1", MerchantID: "m1", MerchantCode: "ACME", ClientOrderID: "order-1", Status: storage.StatusPending}
	require.NoError(t, store.CreateShipment(ctx, sh))
	sh.TrackingID = "T-CANCELLED"
	require.NoError(t, store.CompleteFulfillment(ctx, sh, nil))
	done, err := store.GetShipment(ctx, "s1")
	require.NoError(t, err)
	done.Status = storage.StatusCancelled
	require.NoError(t, store.UpdateShipment(ctx, done))

	// a fresh process cache, as after a restart or eviction
	c, _, _ := newCache(t, store)

	res, err := c.CheckProcessed(ctx, key, "m1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "s1", res.ShipmentID)
	assert.Equal(t, "T-CANCELLED", res.TrackingID)
}
