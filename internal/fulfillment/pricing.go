package fulfillment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/internal/fee"
	"github.com/tournevent/shipgate/internal/ledger"
	"github.com/tournevent/shipgate/internal/pricetable"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// price returns the base rates for the target, from price tables or from a
// live carrier quote. Fees are not applied.
func (o *Orchestrator) price(ctx context.Context, t *target, state State) ([]carrier.Rate, error) {
	if t.account.UsesThirdpartyPricing {
		r, err := o.tableRate(ctx, t, state)
		if err != nil {
			return nil, err
		}
		return []carrier.Rate{*r}, nil
	}

	res, err := o.quote(ctx, t.adapter, t.shipment, t.shipment.IsInternational())
	if err != nil {
		o.countCarrierError(t.account.Carrier, err)
		return nil, carrierError(state, t.account.Carrier, "quote", err, true)
	}
	if len(res.Errors) > 0 {
		return nil, newError(KindCarrier, CodeQuoteRejected, state, strings.Join(res.Errors, "; ")).withCarrier(t.account.Carrier)
	}
	if len(res.Rates) == 0 {
		return nil, newError(KindNoPriceFound, CodeNoRates, state, "carrier returned no rates").withCarrier(t.account.Carrier)
	}

	rates := make([]carrier.Rate, len(res.Rates))
	for i, r := range res.Rates {
		r.Carrier = t.account.Carrier
		r.AccountID = t.account.ID
		r.IsTest = r.IsTest || t.isTest
		if r.Currency == "" {
			r.Currency = t.account.Currency
		}
		rates[i] = r
	}
	return rates, nil
}

func (o *Orchestrator) tableRate(ctx context.Context, t *target, state State) (*carrier.Rate, error) {
	tables, err := o.store.ListPriceTables(ctx, t.account.Carrier, t.shipment.Service.ID)
	if err != nil {
		return nil, o.internal(state, "load price tables", err)
	}

	p, err := pricetable.Resolve(t.shipment, tables)
	if err != nil {
		code := CodeNoPriceFound
		switch {
		case errors.Is(err, pricetable.ErrChannelUnavailable):
			code = CodeChannelUnavailable
		case errors.Is(err, pricetable.ErrWeightOutOfRange):
			code = CodeWeightOutOfRange
		case errors.Is(err, pricetable.ErrNoPriceFound):
		default:
			return nil, newError(KindConfiguration, CodeNoPriceFound, state, "price table unusable").
				withCarrier(t.account.Carrier).withCause(err)
		}
		return nil, newError(KindNoPriceFound, code, state, "no thirdparty price").withCarrier(t.account.Carrier).withCause(err)
	}

	currency := p.Currency
	if currency == "" {
		currency = t.account.Currency
	}
	return &carrier.Rate{
		Carrier:      t.account.Carrier,
		ServiceID:    t.shipment.Service.ID,
		ServiceName:  t.shipment.Service.Name,
		Amount:       p.Amount,
		Currency:     currency,
		IsTest:       t.isTest,
		Thirdparty:   true,
		AccountID:    t.account.ID,
		PriceTableID: p.TableID,
	}, nil
}

// quote calls the adapter under a per-attempt timeout, retrying retryable
// carrier errors with exponential backoff.
func (o *Orchestrator) quote(ctx context.Context, adapter carrier.Adapter, s *carrier.Shipment, international bool) (*carrier.QuoteResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.QuoteInitialBackoff
	b.MaxInterval = o.cfg.QuoteMaxBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (*carrier.QuoteResult, error) {
		attempt++
		if attempt > 1 && o.metrics != nil {
			o.metrics.QuoteRetries.WithLabelValues(adapter.Name()).Inc()
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CarrierTimeout)
		defer cancel()
		res, err := adapter.Quote(callCtx, s, international).Unwrap()
		if err == nil {
			return res, nil
		}
		if !carrier.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		o.logger.Ctx(ctx).Warn("quote failed, retrying",
			zap.String("carrier", adapter.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(o.cfg.QuoteMaxAttempts)))
}

// applyFee adds the account markup to rate. Total is rounded once.
func (o *Orchestrator) applyFee(t *target, rate carrier.Rate) (carrier.Rate, error) {
	markup, err := fee.Compute(t.shipment, rate.Amount, []fee.Rate{t.account.FeeRate()})
	if err != nil {
		return carrier.Rate{}, newError(KindConfiguration, CodeInvalidRequest, StateFeeComputed, "fee rule").withCause(err)
	}
	rate.Fee = units.Round2(markup)
	rate.Total = sum(rate.Amount, markup)
	return rate, nil
}

// refund credits amount back to the merchant, detached from the request's
// cancellation and retried a bounded number of times.
func (o *Orchestrator) refund(ctx context.Context, merchantID string, amount decimal.Decimal, reason string) error {
	ctx = context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (*storage.Balance, error) {
		bal, err := o.ledger.Refund(ctx, merchantID, amount, decimal.Zero)
		if errors.Is(err, ledger.ErrInvalidAmount) {
			return nil, backoff.Permanent(err)
		}
		return bal, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(o.cfg.RefundMaxAttempts)))

	if err != nil {
		o.logger.Ctx(ctx).Error("refund failed, balance left charged",
			zap.String("merchant_id", merchantID),
			zap.String("amount", amount.StringFixed(2)),
			zap.String("reason", reason),
			zap.Error(err),
		)
		if o.metrics != nil {
			o.metrics.RefundFailures.WithLabelValues(reason).Inc()
		}
		return err
	}
	o.logger.Ctx(ctx).Info("balance refunded",
		zap.String("merchant_id", merchantID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("reason", reason),
	)
	if o.metrics != nil {
		o.metrics.Refunds.WithLabelValues(reason).Inc()
	}
	return nil
}

// Quote prices the request without charging. With an account id it prices
// that account; otherwise every account of the merchant, returning the rates
// of those that succeeded.
func (o *Orchestrator) Quote(ctx context.Context, req *Request, m Merchant) (rates []carrier.Rate, err error) {
	if req.AccountID == "" {
		shop, err := o.ShopRates(ctx, req, m)
		if err != nil {
			return nil, err
		}
		if len(shop.Rates) == 0 && len(shop.Failures) > 0 {
			return nil, shop.Failures[0].Err
		}
		return shop.Rates, nil
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "fulfillment.Quote", trace.WithAttributes(
		attribute.String("merchant.id", m.ID),
		attribute.String("account.id", req.AccountID),
	))
	defer span.End()

	carrierName := ""
	defer func() { o.finish(ctx, span, "quote", carrierName, start, err) }()

	return o.quoteAccount(ctx, req, m, &carrierName)
}

func (o *Orchestrator) quoteAccount(ctx context.Context, req *Request, m Merchant, carrierName *string) ([]carrier.Rate, error) {
	t, err := o.prepare(ctx, req, m, StatePricing)
	if err != nil {
		return nil, err
	}
	*carrierName = t.account.Carrier

	base, err := o.price(ctx, t, StatePricing)
	if err != nil {
		return nil, err
	}

	var out []carrier.Rate
	for _, r := range base {
		if t.shipment.Service.ID != "" && r.ServiceID != t.shipment.Service.ID {
			continue
		}
		priced, err := o.applyFee(t, r)
		if err != nil {
			return nil, err
		}
		out = append(out, priced)
	}
	if len(out) == 0 {
		return nil, newError(KindNoPriceFound, CodeNoRates, StatePricing, "no rate for service "+t.shipment.Service.ID).withCarrier(t.account.Carrier)
	}
	return out, nil
}

// AccountFailure is one account that could not be priced during ShopRates.
type AccountFailure struct {
	AccountID string `json:"accountId"`
	Carrier   string `json:"carrier"`
	Err       *Error `json:"-"`
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
}

// RateShop is the outcome of pricing every account of a merchant.
type RateShop struct {
	Rates    []carrier.Rate   `json:"rates"`
	Failures []AccountFailure `json:"failures,omitempty"`
}

// ShopRates prices the request on every account of the merchant in
// parallel. A failing account is reported in Failures and does not stop the
// others.
func (o *Orchestrator) ShopRates(ctx context.Context, req *Request, m Merchant) (shop *RateShop, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "fulfillment.ShopRates", trace.WithAttributes(attribute.String("merchant.id", m.ID)))
	defer span.End()
	defer func() { o.finish(ctx, span, "shop_rates", "", start, err) }()

	accounts, err := o.store.ListAccounts(ctx, m.ID)
	if err != nil {
		return nil, o.internal(StatePricing, "list accounts", err)
	}
	if len(accounts) == 0 {
		return nil, newError(KindConfiguration, CodeAccountNotFound, StatePricing, "merchant has no carrier accounts")
	}

	targets := make([]carrier.QuoteTarget, len(accounts))
	for i, a := range accounts {
		accountReq := *req
		accountReq.AccountID = a.ID
		targets[i] = carrier.QuoteTarget{
			AccountID: a.ID,
			Carrier:   a.Carrier,
			Quote: func(ctx context.Context) ([]carrier.Rate, error) {
				var name string
				return o.quoteAccount(ctx, &accountReq, m, &name)
			},
		}
	}

	shop = &RateShop{}
	for _, out := range carrier.QuoteAll(ctx, targets) {
		if out.Err != nil {
			var fe *Error
			if !errors.As(out.Err, &fe) {
				fe = o.internal(StatePricing, "quote account", out.Err)
			}
			shop.Failures = append(shop.Failures, AccountFailure{
				AccountID: out.AccountID,
				Carrier:   out.Carrier,
				Err:       fe,
				Kind:      fe.Kind,
				Message:   fe.Error(),
			})
			continue
		}
		shop.Rates = append(shop.Rates, out.Rates...)
	}
	return shop, nil
}
