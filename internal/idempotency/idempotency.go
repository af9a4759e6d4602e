// Package idempotency remembers fulfilled orders so a retried label request
// returns the first label instead of buying another.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tournevent/shipgate/internal/cache"
	"github.com/tournevent/shipgate/internal/keylock"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/internal/telemetry"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// DefaultTTL is how long a fulfilled order stays in the process cache.
const DefaultTTL = 48 * time.Hour

// Entry is a cached fulfillment and the merchant that owns it.
type Entry struct {
	MerchantID string
	Result     carrier.LabelResult
}

// Cache answers "was this order already fulfilled?" from memory first and
// from the shipment store second. Callers hold Lock for the key across the
// check and the fulfillment so two requests for one order never both miss.
type Cache struct {
	store   storage.ShipmentStore
	results *cache.Cache[keylock.OrderKey, Entry]
	locks   *keylock.Map[keylock.OrderKey]
	ttl     time.Duration
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
}

// New creates an idempotency cache. A non-positive ttl selects DefaultTTL.
func New(store storage.ShipmentStore, results *cache.Cache[keylock.OrderKey, Entry], ttl time.Duration, logger *otelzap.Logger, metrics *telemetry.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   store,
		results: results,
		locks:   keylock.New[keylock.OrderKey](),
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

// Lock acquires the order's lock. The returned function releases it.
func (c *Cache) Lock(ctx context.Context, key keylock.OrderKey) (func(), error) {
	return c.locks.Lock(ctx, key)
}

// CheckProcessed returns merchantID's earlier result for key, or nil when
// the order has not been fulfilled. A cached entry owned by another merchant
// is a miss. A store hit is cached for the configured TTL.
func (c *Cache) CheckProcessed(ctx context.Context, key keylock.OrderKey, merchantID string) (*carrier.LabelResult, error) {
	if e, ok := c.results.Get(key); ok {
		if e.MerchantID == merchantID {
			c.hit(ctx, key, "cache")
			res := e.Result
			return &res, nil
		}
		c.logger.Ctx(ctx).Warn("order key owned by another merchant",
			zap.String("order", key.String()),
			zap.String("merchant_id", merchantID),
		)
	}

	s, err := c.store.FindFulfilled(ctx, merchantID, key.ClientOrderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up fulfilled order %s: %w", key, err)
	}

	res := s.LabelResult()
	c.results.Set(key, Entry{MerchantID: merchantID, Result: *res}, c.ttl)
	c.hit(ctx, key, "store")
	return res, nil
}

// CacheResult records a fresh fulfillment for merchantID.
func (c *Cache) CacheResult(key keylock.OrderKey, merchantID string, res *carrier.LabelResult) {
	if res == nil {
		return
	}
	c.results.Set(key, Entry{MerchantID: merchantID, Result: *res}, c.ttl)
}

// Invalidate forgets key. The store still answers for fulfilled shipments.
func (c *Cache) Invalidate(key keylock.OrderKey) {
	c.results.Delete(key)
}

func (c *Cache) hit(ctx context.Context, key keylock.OrderKey, source string) {
	c.logger.Ctx(ctx).Info("order already fulfilled",
		zap.String("order", key.String()),
		zap.String("source", source),
	)
	if c.metrics != nil {
		c.metrics.IdempotentHits.Inc()
	}
}
