package fulfillment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipgate/internal/cache"
	"github.com/tournevent/shipgate/internal/customservice"
	"github.com/tournevent/shipgate/internal/events"
	"github.com/tournevent/shipgate/internal/fee"
	"github.com/tournevent/shipgate/internal/fulfillment"
	"github.com/tournevent/shipgate/internal/idempotency"
	"github.com/tournevent/shipgate/internal/keylock"
	"github.com/tournevent/shipgate/internal/ledger"
	"github.com/tournevent/shipgate/internal/pricetable"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/internal/storage/memory"
	"github.com/tournevent/shipgate/internal/telemetry"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/carrier/mock"
	"github.com/tournevent/shipgate/pkg/units"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

const carrierName = "mockcarrier"

var merchant = fulfillment.Merchant{ID: "m1", Code: "ACME"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v float64) *float64 { return &v }

type harness struct {
	store     fulfillment.Store
	mem       *memory.Store
	adapter   *mock.Client
	registry  *carrier.Registry
	ledger    *ledger.Ledger
	published *events.Recorder
	metrics   *telemetry.Metrics
	orch      *fulfillment.Orchestrator
}

type option func(*harness)

func withStore(wrap func(*memory.Store) fulfillment.Store) option {
	return func(h *harness) { h.store = wrap(h.mem) }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		mem:       memory.New(),
		adapter:   mock.New(carrierName),
		published: &events.Recorder{},
		metrics:   telemetry.NewMetrics(),
	}
	h.store = h.mem
	for _, opt := range opts {
		opt(h)
	}

	h.registry = carrier.NewRegistry(h.mem)
	h.registry.Register(carrierName, h.adapter.Factory())

	logger := otelzap.New(zap.NewNop())
	balances, err := cache.New[string, storage.Balance](16)
	require.NoError(t, err)
	h.ledger = ledger.New(h.mem, balances, logger, h.metrics)

	results, err := cache.New[keylock.OrderKey, idempotency.Entry](16)
	require.NoError(t, err)
	idem := idempotency.New(h.mem, results, time.Hour, logger, h.metrics)

	h.orch = fulfillment.New(fulfillment.Config{
		CarrierTimeout:      200 * time.Millisecond,
		QuoteMaxAttempts:    3,
		QuoteInitialBackoff: time.Millisecond,
		QuoteMaxBackoff:     5 * time.Millisecond,
		RefundMaxAttempts:   2,
	}, fulfillment.Deps{
		Store:       h.store,
		Registry:    h.registry,
		Ledger:      h.ledger,
		Idempotency: idem,
		Publisher:   h.published,
		Logger:      logger,
		Metrics:     h.metrics,
	})

	ctx := context.Background()
	require.NoError(t, h.mem.PutAccount(ctx, &storage.Account{
		ID:          "acct-1",
		MerchantID:  merchant.ID,
		Carrier:     carrierName,
		BillingType: fee.BillingFlat,
		Fee:         d("1.25"),
		FeeBasis:    fee.BasisOrder,
		Currency:    "CAD",
	}))
	h.seedBalance(t, "100.00")
	return h
}

func (h *harness) seedBalance(t *testing.T, amount string) {
	t.Helper()
	require.NoError(t, h.mem.PutBalance(context.Background(), &storage.Balance{
		MerchantID: merchant.ID, Balance: d(amount), Deposit: d(amount), Currency: "CAD",
	}))
	h.ledger.Invalidate(merchant.ID)
}

func (h *harness) balance(t *testing.T) string {
	t.Helper()
	b, err := h.ledger.Read(context.Background(), merchant.ID)
	require.NoError(t, err)
	return b.Balance.StringFixed(2)
}

func request(orderID string) *fulfillment.Request {
	return &fulfillment.Request{
		AccountID:     "acct-1",
		ClientOrderID: orderID,
		Service:       carrier.Service{ID: "STANDARD"},
		Sender:        carrier.Address{Name: "Shipper", Line1: "1 Main St", City: "Toronto", PostalCode: "M5V 2T6", CountryCode: "CA"},
		Recipient:     carrier.Address{Name: "Buyer", Line1: "2 King St", City: "Ottawa", PostalCode: "K1A 0B1", CountryCode: "CA"},
		Packages:      []carrier.Package{{Length: 20, Width: 15, Height: 10, Weight: 3, WeightUnit: units.WeightKG}},
	}
}

func requireKind(t *testing.T, err error, kind fulfillment.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	var fe *fulfillment.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, kind, fe.Kind, fe.Error())
	if code != "" {
		assert.Equal(t, code, fe.Code, fe.Error())
	}
}

func TestFulfill_ChargesRatePlusFee(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	require.NoError(t, err)

	assert.NotEmpty(t, res.TrackingID)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "12.50", res.Rate.Amount.StringFixed(2))
	assert.Equal(t, "1.25", res.Rate.Fee.StringFixed(2))
	assert.Equal(t, "13.75", res.Rate.Total.StringFixed(2))
	assert.Equal(t, "86.25", h.balance(t))

	rec, err := h.mem.GetShipment(context.Background(), res.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFulfilled, rec.Status)
	assert.Equal(t, res.TrackingID, rec.TrackingID)

	billing, err := h.mem.GetBillingByShipment(context.Background(), res.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, "13.75", billing.Total.StringFixed(2))
	assert.Equal(t, "12.50", billing.ShippingCost.StringFixed(2))
	assert.Equal(t, "86.25", billing.BalanceAfter.StringFixed(2))

	require.Len(t, h.published.OfType(events.TypeLabelFulfilled), 1)
}

func TestFulfill_ConcurrentChargesNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	h.seedBalance(t, "30.00")

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.orch.Fulfill(context.Background(), request(fmt.Sprintf("order-%d", i)), merchant)
		}()
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case fulfillment.KindOf(err) == fulfillment.KindInsufficientBalance:
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 3, insufficient)
	assert.Equal(t, "2.50", h.balance(t))
	assert.Equal(t, 2, h.adapter.LabelCalls())
}

func TestFulfill_IdempotentUnderConcurrency(t *testing.T) {
	h := newHarness(t)

	const n = 5
	var wg sync.WaitGroup
	results := make([]*carrier.LabelResult, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	duplicates := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].TrackingID, res.TrackingID)
		if res.Duplicate {
			duplicates++
		}
	}
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, 1, h.adapter.LabelCalls())
	assert.Equal(t, "86.25", h.balance(t))

	billings, err := h.mem.ListBillings(context.Background(), merchant.ID)
	require.NoError(t, err)
	assert.Len(t, billings, 1)
}

func TestFulfill_RequiresMerchantCode(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), fulfillment.Merchant{ID: merchant.ID})
	requireKind(t, err, fulfillment.KindValidation, fulfillment.CodeInvalidRequest)
	assert.Equal(t, 0, h.adapter.LabelCalls())
}

func TestFulfill_SameOrderKeyAcrossMerchants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := fulfillment.Merchant{ID: "m2", Code: merchant.Code}
	require.NoError(t, h.mem.PutAccount(ctx, &storage.Account{
		ID: "acct-2", MerchantID: other.ID, Carrier: carrierName,
		BillingType: fee.BillingFlat, Fee: d("1.25"), FeeBasis: fee.BasisOrder, Currency: "CAD",
	}))
	require.NoError(t, h.mem.PutBalance(ctx, &storage.Balance{MerchantID: other.ID, Balance: d("50.00"), Currency: "CAD"}))

	first, err := h.orch.Fulfill(ctx, request("O-1"), merchant)
	require.NoError(t, err)

	req := request("O-1")
	req.AccountID = "acct-2"
	second, err := h.orch.Fulfill(ctx, req, other)
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.ShipmentID, second.ShipmentID)
	assert.NotEqual(t, first.TrackingID, second.TrackingID)

	rec, err := h.mem.GetShipment(ctx, second.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, rec.MerchantID)

	// the first merchant still gets its own label back
	again, err := h.orch.Fulfill(ctx, request("O-1"), merchant)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.ShipmentID, again.ShipmentID)
	assert.Equal(t, 2, h.adapter.LabelCalls())
}

func TestFulfill_LabelFailureRefundsExactly(t *testing.T) {
	h := newHarness(t)
	h.seedBalance(t, "20.01")
	h.adapter.OnCreateLabel = func(context.Context, *carrier.Shipment, carrier.Rate) carrier.Result[*carrier.LabelResult] {
		return carrier.Fail[*carrier.LabelResult](carrier.NewCarrierError(carrierName, carrier.CodeRejected, "address not serviceable"))
	}

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	requireKind(t, err, fulfillment.KindCarrier, carrier.CodeRejected)

	var fe *fulfillment.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fulfillment.StateLabelRequested, fe.State)
	assert.False(t, fe.Retryable())

	assert.Equal(t, "20.01", h.balance(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Refunds.WithLabelValues("label_failed")))
	assert.Empty(t, h.published.Events())

	billings, err := h.mem.ListBillings(context.Background(), merchant.ID)
	require.NoError(t, err)
	assert.Empty(t, billings)
}

func TestFulfill_LabelTimeoutRefunds(t *testing.T) {
	h := newHarness(t)
	h.adapter.OnCreateLabel = func(ctx context.Context, _ *carrier.Shipment, _ carrier.Rate) carrier.Result[*carrier.LabelResult] {
		<-ctx.Done()
		return carrier.Fail[*carrier.LabelResult](carrier.NewCarrierError(carrierName, carrier.CodeTimeout, "label request timed out").WithCause(ctx.Err()))
	}

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	requireKind(t, err, fulfillment.KindCarrier, carrier.CodeTimeout)
	assert.Equal(t, "100.00", h.balance(t))
}

func TestFulfill_FailureRecordedOnPendingShipment(t *testing.T) {
	h := newHarness(t)
	h.adapter.OnCreateLabel = func(context.Context, *carrier.Shipment, carrier.Rate) carrier.Result[*carrier.LabelResult] {
		return carrier.Fail[*carrier.LabelResult](carrier.NewCarrierError(carrierName, carrier.CodeUnavailable, "down"))
	}

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	require.Error(t, err)

	_, err = h.mem.FindFulfilled(context.Background(), merchant.ID, "order-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// the order can be retried once the carrier recovers
	h.adapter.OnCreateLabel = nil
	res, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "86.25", h.balance(t))
}

func TestFulfill_QuoteRetriesAreBounded(t *testing.T) {
	h := newHarness(t)
	h.adapter.OnQuote = func(context.Context, *carrier.Shipment, bool) carrier.Result[*carrier.QuoteResult] {
		return carrier.Fail[*carrier.QuoteResult](carrier.NewCarrierError(carrierName, carrier.CodeUnavailable, "busy").WithRetryable(true))
	}

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	requireKind(t, err, fulfillment.KindCarrier, carrier.CodeUnavailable)

	var fe *fulfillment.Error
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Retryable())
	assert.Equal(t, 3, h.adapter.QuoteCalls())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.QuoteRetries.WithLabelValues(carrierName)))
	assert.Equal(t, 0, h.adapter.LabelCalls())
	assert.Equal(t, "100.00", h.balance(t))
}

func TestFulfill_QuoteRetryRecovers(t *testing.T) {
	h := newHarness(t)
	fallback := mock.New(carrierName)
	calls := 0
	h.adapter.OnQuote = func(ctx context.Context, s *carrier.Shipment, intl bool) carrier.Result[*carrier.QuoteResult] {
		calls++
		if calls == 1 {
			return carrier.Fail[*carrier.QuoteResult](carrier.NewCarrierError(carrierName, carrier.CodeTimeout, "slow").WithRetryable(true))
		}
		return fallback.Quote(ctx, s, intl)
	}

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFulfill_NonRetryableQuoteErrorStopsImmediately(t *testing.T) {
	h := newHarness(t)
	h.adapter.OnQuote = func(context.Context, *carrier.Shipment, bool) carrier.Result[*carrier.QuoteResult] {
		return carrier.Fail[*carrier.QuoteResult](carrier.NewCarrierError(carrierName, carrier.CodeAuthentication, "bad key"))
	}

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	requireKind(t, err, fulfillment.KindCarrier, carrier.CodeAuthentication)
	assert.Equal(t, 1, h.adapter.QuoteCalls())
}

func TestFulfill_ThirdpartyBracketPricing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct, err := h.mem.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	acct.UsesThirdpartyPricing = true
	require.NoError(t, h.mem.PutAccount(ctx, acct))

	require.NoError(t, h.mem.PutPriceTable(ctx, &pricetable.Table{
		ID:         "pt-1",
		Carrier:    carrierName,
		ServiceID:  "GROUND",
		WeightUnit: units.WeightKG,
		Currency:   "CAD",
		Condition:  pricetable.Condition{MaxWeight: ptr(30), Unit: units.WeightKG},
		Rows: []pricetable.Row{
			{Weight: "1", Prices: map[string]decimal.Decimal{"Z1": d("5.00")}},
			{Weight: "2-5", Prices: map[string]decimal.Decimal{"Z1": d("2.00")}},
		},
		Zones: []pricetable.Zone{{Name: "Z1", Mappings: "CA_CA"}},
	}))

	req := request("order-1")
	req.Service = carrier.Service{ID: "GROUND"}
	res, err := h.orch.Fulfill(ctx, req, merchant)
	require.NoError(t, err)

	assert.True(t, res.Rate.Thirdparty)
	assert.Equal(t, "pt-1", res.Rate.PriceTableID)
	assert.Equal(t, "6.00", res.Rate.Amount.StringFixed(2))
	assert.Equal(t, "7.25", res.Rate.Total.StringFixed(2))
	assert.Equal(t, 0, h.adapter.QuoteCalls())
	assert.Equal(t, "92.75", h.balance(t))

	t.Run("zone miss", func(t *testing.T) {
		req := request("order-2")
		req.Service = carrier.Service{ID: "GROUND"}
		req.Recipient.CountryCode = "US"
		_, err := h.orch.Fulfill(ctx, req, merchant)
		requireKind(t, err, fulfillment.KindNoPriceFound, fulfillment.CodeNoPriceFound)
	})

	t.Run("weight outside every table", func(t *testing.T) {
		req := request("order-3")
		req.Service = carrier.Service{ID: "GROUND"}
		req.Packages[0].Weight = 40
		_, err := h.orch.Fulfill(ctx, req, merchant)
		requireKind(t, err, fulfillment.KindNoPriceFound, fulfillment.CodeWeightOutOfRange)
	})

	t.Run("no table for service", func(t *testing.T) {
		req := request("order-4")
		req.Service = carrier.Service{ID: "AIR"}
		_, err := h.orch.Fulfill(ctx, req, merchant)
		requireKind(t, err, fulfillment.KindNoPriceFound, fulfillment.CodeChannelUnavailable)
	})

	assert.Equal(t, "92.75", h.balance(t), "failed pricing charges nothing")
}

func TestFulfill_CustomServiceFallsBackToBackup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mem.PutCustomService(ctx, merchant.ID, &customservice.CustomService{
		Name:    "light-or-standard",
		Carrier: carrierName,
		Candidates: []customservice.Candidate{
			{ServiceID: "EXPRESS", Conditions: []customservice.Condition{{Type: customservice.ConditionWeight, Max: ptr(1), Unit: units.WeightKG}}},
			{ServiceID: "STANDARD", IsBackup: true},
		},
	}))

	req := request("order-1")
	req.Service = carrier.Service{ID: customservice.ServiceCustom}
	res, err := h.orch.Fulfill(ctx, req, merchant)
	require.NoError(t, err)
	assert.Equal(t, "STANDARD", res.Rate.ServiceID)

	req = request("order-2")
	req.Service = carrier.Service{ID: customservice.ServiceCustom}
	req.Packages[0].Weight = 0.5
	res, err = h.orch.Fulfill(ctx, req, merchant)
	require.NoError(t, err)
	assert.Equal(t, "EXPRESS", res.Rate.ServiceID)
}

func TestFulfill_CustomServiceWithoutMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mem.PutCustomService(ctx, merchant.ID, &customservice.CustomService{
		Name:    "remote-only",
		Carrier: carrierName,
		Candidates: []customservice.Candidate{
			{ServiceID: "EXPRESS", Conditions: []customservice.Condition{{Type: customservice.ConditionZipCode, Prefixes: "X0A"}}},
		},
	}))

	req := request("order-1")
	req.Service = carrier.Service{ID: customservice.ServiceCustom}
	_, err := h.orch.Fulfill(ctx, req, merchant)
	requireKind(t, err, fulfillment.KindNoServiceMatch, fulfillment.CodeNoServiceMatch)
	assert.Equal(t, 0, h.adapter.QuoteCalls())
}

func TestFulfill_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.seedBalance(t, "13.74")

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	requireKind(t, err, fulfillment.KindInsufficientBalance, fulfillment.CodeInsufficientBalance)
	assert.Equal(t, "13.74", h.balance(t))
	assert.Equal(t, 0, h.adapter.LabelCalls())
}

func TestFulfill_ExactBalanceSucceeds(t *testing.T) {
	h := newHarness(t)
	h.seedBalance(t, "13.75")

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	require.NoError(t, err)
	assert.Equal(t, "0.00", h.balance(t))
}

func TestFulfill_ConfigurationErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mem.PutAccount(ctx, &storage.Account{ID: "acct-x", MerchantID: merchant.ID, Carrier: "nowhere"}))
	require.NoError(t, h.mem.PutAccount(ctx, &storage.Account{ID: "acct-other", MerchantID: "m2", Carrier: carrierName}))

	req := request("order-1")
	req.AccountID = "acct-x"
	_, err := h.orch.Fulfill(ctx, req, merchant)
	requireKind(t, err, fulfillment.KindConfiguration, fulfillment.CodeUnknownCarrier)

	req.AccountID = "acct-missing"
	_, err = h.orch.Fulfill(ctx, req, merchant)
	requireKind(t, err, fulfillment.KindConfiguration, fulfillment.CodeAccountNotFound)

	req.AccountID = "acct-other"
	_, err = h.orch.Fulfill(ctx, req, merchant)
	requireKind(t, err, fulfillment.KindValidation, fulfillment.CodeAccountMismatch)

	h.adapter.OnInit = func(context.Context) error { return fmt.Errorf("missing api key: %w", carrier.ErrConfiguration) }
	_, err = h.orch.Fulfill(ctx, request("order-1"), merchant)
	requireKind(t, err, fulfillment.KindConfiguration, fulfillment.CodeCarrierInit)
	assert.ErrorIs(t, err, carrier.ErrConfiguration)
}

func TestFulfill_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct, err := h.mem.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	acct.Services = []storage.ServiceDefinition{{ID: "STANDARD", MaxWeight: 30, WeightUnit: units.WeightKG, MaxLength: 100, DimensionUnit: units.DimensionCM}}
	require.NoError(t, h.mem.PutAccount(ctx, acct))

	tests := []struct {
		name   string
		mutate func(r *fulfillment.Request)
		code   string
	}{
		{"missing order id", func(r *fulfillment.Request) { r.ClientOrderID = "" }, fulfillment.CodeInvalidRequest},
		{"no packages", func(r *fulfillment.Request) { r.Packages = nil }, fulfillment.CodeInvalidRequest},
		{"zero weight", func(r *fulfillment.Request) { r.Packages[0].Weight = 0 }, fulfillment.CodeInvalidPackage},
		{"negative dimension", func(r *fulfillment.Request) { r.Packages[0].Height = -1 }, fulfillment.CodeInvalidPackage},
		{"too heavy in pounds", func(r *fulfillment.Request) {
			r.Packages[0].Weight = 70
			r.Packages[0].WeightUnit = units.WeightLB
		}, fulfillment.CodeInvalidPackage},
		{"too long", func(r *fulfillment.Request) { r.Packages[0].Length = 101 }, fulfillment.CodeInvalidPackage},
		{"service not enabled", func(r *fulfillment.Request) { r.Service.ID = "EXPRESS" }, fulfillment.CodeUnknownService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("order-1")
			tt.mutate(req)
			_, err := h.orch.Fulfill(ctx, req, merchant)
			requireKind(t, err, fulfillment.KindValidation, tt.code)
		})
	}
	assert.Equal(t, 0, h.adapter.QuoteCalls())
	assert.Equal(t, "100.00", h.balance(t))
}

func TestFulfill_AddressValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct, err := h.mem.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	acct.ValidateAddresses = true
	require.NoError(t, h.mem.PutAccount(ctx, acct))

	h.adapter.OnValidateAddress = func(context.Context, carrier.Address) carrier.Result[*carrier.AddressValidation] {
		return carrier.Ok(&carrier.AddressValidation{Valid: false, Messages: []string{"unknown street"}})
	}
	_, err = h.orch.Fulfill(ctx, request("order-1"), merchant)
	requireKind(t, err, fulfillment.KindValidation, fulfillment.CodeAddressInvalid)
	assert.ErrorContains(t, err, "unknown street")
	assert.Equal(t, 0, h.adapter.LabelCalls())
}

func TestFulfill_TestShipmentIsNotCharged(t *testing.T) {
	h := newHarness(t)
	h.seedBalance(t, "0.00")

	req := request("order-1")
	req.IsTest = true
	res, err := h.orch.Fulfill(context.Background(), req, merchant)
	require.NoError(t, err)
	assert.True(t, res.Rate.IsTest)
	assert.Equal(t, "0.00", h.balance(t))

	_, err = h.mem.GetBillingByShipment(context.Background(), res.ShipmentID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingFulfiller struct {
	*memory.Store
}

func (failingFulfiller) CompleteFulfillment(context.Context, *storage.Shipment, *storage.Billing) error {
	return errors.New("connection reset")
}

func TestFulfill_CommitFailureRefundsAndVoids(t *testing.T) {
	h := newHarness(t, withStore(func(m *memory.Store) fulfillment.Store { return failingFulfiller{m} }))

	_, err := h.orch.Fulfill(context.Background(), request("order-1"), merchant)
	requireKind(t, err, fulfillment.KindInternal, fulfillment.CodeStorage)

	var fe *fulfillment.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fulfillment.StateBilled, fe.State)

	assert.Equal(t, "100.00", h.balance(t))
	assert.Equal(t, 1, h.adapter.CancelCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Refunds.WithLabelValues("billing_failed")))
	assert.Empty(t, h.published.Events())
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.Fulfill(ctx, request("order-1"), merchant)
	require.NoError(t, err)
	require.Equal(t, "86.25", h.balance(t))

	out, err := h.orch.Cancel(ctx, merchant, res.ShipmentID)
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Equal(t, "100.00", h.balance(t))

	rec, err := h.mem.GetShipment(ctx, res.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, rec.Status)

	cancelled := h.published.OfType(events.TypeLabelCancelled)
	require.Len(t, cancelled, 1)

	_, err = h.orch.Cancel(ctx, merchant, res.ShipmentID)
	requireKind(t, err, fulfillment.KindValidation, fulfillment.CodeNotCancellable)
	assert.Equal(t, "100.00", h.balance(t), "second cancel refunds nothing")

	_, err = h.orch.Cancel(ctx, fulfillment.Merchant{ID: "m2", Code: "OTHER"}, res.ShipmentID)
	requireKind(t, err, fulfillment.KindValidation, fulfillment.CodeShipmentNotFound)
}

func TestCancel_Refused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.Fulfill(ctx, request("order-1"), merchant)
	require.NoError(t, err)

	h.adapter.OnCancelLabel = func(_ context.Context, ref carrier.LabelRef) carrier.Result[*carrier.CancelResult] {
		return carrier.Ok(&carrier.CancelResult{TrackingID: ref.TrackingID, Cancelled: false})
	}
	_, err = h.orch.Cancel(ctx, merchant, res.ShipmentID)
	requireKind(t, err, fulfillment.KindCarrier, fulfillment.CodeCancelRefused)
	assert.Equal(t, "86.25", h.balance(t))
}

func TestCancelAndTrack_Unsupported(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(carrierName, func(carrier.AccountConfig, carrier.Options) carrier.Adapter { return h.adapter.Core() })
	ctx := context.Background()

	res, err := h.orch.Fulfill(ctx, request("order-1"), merchant)
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, merchant, res.ShipmentID)
	requireKind(t, err, fulfillment.KindValidation, fulfillment.CodeCancelUnsupported)

	_, err = h.orch.Track(ctx, merchant, res.ShipmentID)
	requireKind(t, err, fulfillment.KindValidation, fulfillment.CodeTrackUnsupported)

	out, err := h.orch.Manifest(ctx, merchant, "acct-1")
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}

func TestTrack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.Fulfill(ctx, request("order-1"), merchant)
	require.NoError(t, err)

	tr, err := h.orch.Track(ctx, merchant, res.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, res.TrackingID, tr.TrackingID)
	assert.Equal(t, carrier.TrackingInTransit, tr.Status)
}

func TestManifest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.orch.Fulfill(ctx, request("order-1"), merchant)
	require.NoError(t, err)
	b, err := h.orch.Fulfill(ctx, request("order-2"), merchant)
	require.NoError(t, err)

	out, err := h.orch.Manifest(ctx, merchant, "acct-1")
	require.NoError(t, err)
	assert.NotEmpty(t, out.ManifestID)
	assert.Equal(t, 2, out.Marked)
	assert.ElementsMatch(t, []string{a.TrackingID, b.TrackingID}, out.TrackingIDs)

	rec, err := h.mem.GetShipment(ctx, a.ShipmentID)
	require.NoError(t, err)
	assert.True(t, rec.Manifested)
	assert.Equal(t, out.ManifestID, rec.ManifestID)
	require.Len(t, h.published.OfType(events.TypeShipmentManifested), 1)

	again, err := h.orch.Manifest(ctx, merchant, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, again.Marked)
	assert.Equal(t, 1, h.adapter.ManifestCalls(), "nothing left to manifest")
}

func TestReconcileManifest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.Fulfill(ctx, request("order-1"), merchant)
	require.NoError(t, err)

	h.adapter.OnGetManifest = func(_ context.Context, id string) carrier.Result[*carrier.ManifestResult] {
		return carrier.Ok(&carrier.ManifestResult{ManifestID: id, TrackingIDs: []string{res.TrackingID, "UNKNOWN"}})
	}
	out, err := h.orch.ReconcileManifest(ctx, merchant, "acct-1", "MAN-42")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Marked)

	rec, err := h.mem.GetShipment(ctx, res.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, "MAN-42", rec.ManifestID)
}

func TestQuote_AppliesFeeWithoutCharging(t *testing.T) {
	h := newHarness(t)
	req := request("")
	req.Service = carrier.Service{}

	rates, err := h.orch.Quote(context.Background(), req, merchant)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	for _, r := range rates {
		assert.Equal(t, "1.25", r.Fee.StringFixed(2))
		assert.True(t, r.Total.Equal(units.Round2(r.Amount.Add(r.Fee))))
		assert.Equal(t, "acct-1", r.AccountID)
	}
	assert.Equal(t, "100.00", h.balance(t))
	assert.Equal(t, 0, h.adapter.LabelCalls())
}

func TestShopRates_PartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	broken := mock.New("brokencarrier")
	broken.OnQuote = func(context.Context, *carrier.Shipment, bool) carrier.Result[*carrier.QuoteResult] {
		return carrier.Fail[*carrier.QuoteResult](carrier.NewCarrierError("brokencarrier", carrier.CodeRejected, "lane not served"))
	}
	h.registry.Register("brokencarrier", broken.Factory())
	require.NoError(t, h.mem.PutAccount(ctx, &storage.Account{ID: "acct-2", MerchantID: merchant.ID, Carrier: "brokencarrier", Currency: "CAD"}))

	req := request("")
	req.AccountID = ""
	req.Service = carrier.Service{}

	shop, err := h.orch.ShopRates(ctx, req, merchant)
	require.NoError(t, err)
	assert.Len(t, shop.Rates, 2)
	require.Len(t, shop.Failures, 1)
	assert.Equal(t, "acct-2", shop.Failures[0].AccountID)
	assert.Equal(t, fulfillment.KindCarrier, shop.Failures[0].Kind)

	rates, err := h.orch.Quote(ctx, req, merchant)
	require.NoError(t, err)
	assert.Len(t, rates, 2)
}
