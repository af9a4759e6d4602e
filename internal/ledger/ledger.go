// Package ledger charges and refunds merchant prepaid balances.
//
// Every read-for-mutation and every mutation of one merchant's balance runs
// under that merchant's lock, so two charges can never both pass the
// non-negative check against the same snapshot. The durable store is written
// before the process cache; a compare-and-swap on the balance version catches
// writers in other processes.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/internal/cache"
	"github.com/tournevent/shipgate/internal/keylock"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/internal/telemetry"
	"github.com/tournevent/shipgate/pkg/units"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// maxWriteAttempts bounds retries after a version conflict.
const maxWriteAttempts = 3

var (
	// ErrInsufficientBalance is returned when a charge would make the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAmount is returned for negative charge or refund amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// ChargeResult describes a successful charge.
type ChargeResult struct {
	Previous   decimal.Decimal
	Balance    decimal.Decimal
	Currency   string
	LowBalance bool // balance fell under the merchant's minimum
}

// Ledger serializes balance operations per merchant.
type Ledger struct {
	store   storage.BalanceStore
	cache   *cache.Cache[string, storage.Balance]
	locks   *keylock.Map[keylock.MerchantID]
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
}

// New creates a ledger. The cache holds balances without expiry; the ledger
// is its only writer.
func New(store storage.BalanceStore, c *cache.Cache[string, storage.Balance], logger *otelzap.Logger, metrics *telemetry.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		cache:   c,
		locks:   keylock.New[keylock.MerchantID](),
		logger:  logger,
		metrics: metrics,
	}
}

// Read returns the merchant's balance, cache first.
func (l *Ledger) Read(ctx context.Context, merchantID string) (*storage.Balance, error) {
	unlock, err := l.locks.Lock(ctx, keylock.MerchantID(merchantID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.readLocked(ctx, merchantID)
}

func (l *Ledger) readLocked(ctx context.Context, merchantID string) (*storage.Balance, error) {
	if b, ok := l.cache.Get(merchantID); ok {
		return &b, nil
	}
	b, err := l.store.GetBalance(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	l.cache.Set(merchantID, *b, 0)
	return b, nil
}

// Charge debits amount from the merchant balance. If the rounded result would
// be negative it returns ErrInsufficientBalance and writes nothing.
func (l *Ledger) Charge(ctx context.Context, merchantID string, amount decimal.Decimal) (*ChargeResult, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: charge %s", ErrInvalidAmount, amount)
	}

	unlock, err := l.locks.Lock(ctx, keylock.MerchantID(merchantID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		cur, err := l.readLocked(ctx, merchantID)
		if err != nil {
			return nil, err
		}

		next := *cur
		next.Balance = units.Round2(cur.Balance.Sub(amount))
		if next.Balance.IsNegative() {
			l.count("insufficient")
			return nil, fmt.Errorf("%w: balance %s, charge %s", ErrInsufficientBalance, cur.Balance.StringFixed(2), amount.StringFixed(2))
		}

		err = l.store.UpdateBalance(ctx, &next)
		if errors.Is(err, storage.ErrVersionConflict) && attempt < maxWriteAttempts {
			l.conflict(merchantID, attempt)
			continue
		}
		if err != nil {
			l.cache.Delete(merchantID)
			l.count("error")
			return nil, fmt.Errorf("write balance: %w", err)
		}
		l.cache.Set(merchantID, next, 0)

		res := &ChargeResult{
			Previous:   cur.Balance,
			Balance:    next.Balance,
			Currency:   next.Currency,
			LowBalance: next.MinimumBalance.IsPositive() && next.Balance.LessThan(next.MinimumBalance),
		}
		l.count("ok")
		if res.LowBalance {
			l.logger.Ctx(ctx).Warn("merchant balance under minimum",
				zap.String("merchant_id", merchantID),
				zap.String("balance", next.Balance.StringFixed(2)),
				zap.String("minimum", next.MinimumBalance.StringFixed(2)),
			)
			if l.metrics != nil {
				l.metrics.LowBalance.Inc()
			}
		}
		return res, nil
	}
}

// Refund credits the merchant balance and deposit. It never fails on balance
// grounds.
func (l *Ledger) Refund(ctx context.Context, merchantID string, balanceDelta, depositDelta decimal.Decimal) (*storage.Balance, error) {
	if balanceDelta.IsNegative() || depositDelta.IsNegative() {
		return nil, fmt.Errorf("%w: refund %s/%s", ErrInvalidAmount, balanceDelta, depositDelta)
	}

	unlock, err := l.locks.Lock(ctx, keylock.MerchantID(merchantID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		cur, err := l.readLocked(ctx, merchantID)
		if err != nil {
			return nil, err
		}

		next := *cur
		next.Balance = units.Round2(cur.Balance.Add(balanceDelta))
		next.Deposit = units.Round2(cur.Deposit.Add(depositDelta))

		err = l.store.UpdateBalance(ctx, &next)
		if errors.Is(err, storage.ErrVersionConflict) && attempt < maxWriteAttempts {
			l.conflict(merchantID, attempt)
			continue
		}
		if err != nil {
			l.cache.Delete(merchantID)
			return nil, fmt.Errorf("write balance: %w", err)
		}
		l.cache.Set(merchantID, next, 0)
		return &next, nil
	}
}

// Invalidate drops the cached balance so the next read goes to storage.
func (l *Ledger) Invalidate(merchantID string) {
	l.cache.Delete(merchantID)
}

func (l *Ledger) conflict(merchantID string, attempt int) {
	l.cache.Delete(merchantID)
	l.logger.Info("balance changed concurrently, reloading",
		zap.String("merchant_id", merchantID),
		zap.Int("attempt", attempt),
	)
	if l.metrics != nil {
		l.metrics.BalanceConflicts.Inc()
	}
}

func (l *Ledger) count(outcome string) {
	if l.metrics != nil {
		l.metrics.Charges.WithLabelValues(outcome).Inc()
	}
}
