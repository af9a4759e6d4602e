// Package fulfillment orchestrates pricing, balance charging and label
// purchase for a shipment request.
//
// Locks are always taken in the order order-key then merchant, the second
// inside the ledger. Once a charge succeeds every exit before the shipment is
// billed refunds it.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/internal/customservice"
	"github.com/tournevent/shipgate/internal/events"
	"github.com/tournevent/shipgate/internal/idempotency"
	"github.com/tournevent/shipgate/internal/keylock"
	"github.com/tournevent/shipgate/internal/ledger"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/internal/telemetry"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Store is the storage the orchestrator reads and writes.
type Store interface {
	storage.AccountStore
	storage.ShipmentStore
	storage.BillingStore
	storage.PriceTableStore
	storage.CustomServiceStore
	storage.Fulfiller
}

// Config bounds carrier calls and compensating refunds.
type Config struct {
	CarrierTimeout      time.Duration
	QuoteMaxAttempts    int
	QuoteInitialBackoff time.Duration
	QuoteMaxBackoff     time.Duration
	RefundMaxAttempts   int
}

func (c Config) withDefaults() Config {
	if c.CarrierTimeout <= 0 {
		c.CarrierTimeout = 30 * time.Second
	}
	if c.QuoteMaxAttempts <= 0 {
		c.QuoteMaxAttempts = 3
	}
	if c.QuoteInitialBackoff <= 0 {
		c.QuoteInitialBackoff = 200 * time.Millisecond
	}
	if c.QuoteMaxBackoff <= 0 {
		c.QuoteMaxBackoff = 2 * time.Second
	}
	if c.RefundMaxAttempts <= 0 {
		c.RefundMaxAttempts = 3
	}
	return c
}

// Deps are the orchestrator's collaborators. Publisher, Metrics and Tracer
// may be nil.
type Deps struct {
	Store       Store
	Registry    *carrier.Registry
	Ledger      *ledger.Ledger
	Idempotency *idempotency.Cache
	Publisher   events.Publisher
	Logger      *otelzap.Logger
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
}

// Merchant identifies the caller.
type Merchant struct {
	ID   string
	Code string
}

// Request asks for a label (Fulfill) or for rates (Quote). AccountID may be
// empty for Quote, in which case every account of the merchant is priced.
type Request struct {
	AccountID     string            `json:"accountId"`
	ClientOrderID string            `json:"clientOrderId"`
	Service       carrier.Service   `json:"service"`
	Sender        carrier.Address   `json:"sender"`
	Recipient     carrier.Address   `json:"recipient"`
	Packages      []carrier.Package `json:"packages"`
	Reference     string            `json:"reference,omitempty"`
	IsTest        bool              `json:"isTest,omitempty"`
}

// Orchestrator runs fulfillment flows.
type Orchestrator struct {
	cfg       Config
	store     Store
	registry  *carrier.Registry
	ledger    *ledger.Ledger
	idem      *idempotency.Cache
	publisher events.Publisher
	logger    *otelzap.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		idem:      deps.Idempotency,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
	}
	if o.publisher == nil {
		o.publisher = events.Nop{}
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("fulfillment")
	}
	return o
}

// target is a validated request bound to its account and adapter.
type target struct {
	account  *storage.Account
	adapter  carrier.Adapter
	shipment *carrier.Shipment
	isTest   bool
}

// Fulfill prices the request, charges the merchant and buys the label. A
// repeated request for a fulfilled order returns the first label with
// Duplicate set and charges nothing.
func (o *Orchestrator) Fulfill(ctx context.Context, req *Request, m Merchant) (res *carrier.LabelResult, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "fulfillment.Fulfill", trace.WithAttributes(
		attribute.String("merchant.id", m.ID),
		attribute.String("order.client_id", req.ClientOrderID),
		attribute.String("account.id", req.AccountID),
	))
	defer span.End()

	carrierName := ""
	defer func() { o.finish(ctx, span, "fulfill", carrierName, start, err) }()

	if req.ClientOrderID == "" {
		return nil, newError(KindValidation, CodeInvalidRequest, StateValidating, "client order id is required")
	}
	if m.Code == "" {
		return nil, newError(KindValidation, CodeInvalidRequest, StateValidating, "merchant code is required")
	}
	t, err := o.prepare(ctx, req, m, StateValidating)
	if err != nil {
		return nil, err
	}
	carrierName = t.account.Carrier

	key := keylock.OrderKey{MerchantCode: m.Code, ClientOrderID: req.ClientOrderID}
	unlock, err := o.idem.Lock(ctx, key)
	if err != nil {
		return nil, o.internal(StateValidating, "acquire order lock", err)
	}
	defer unlock()

	prev, err := o.idem.CheckProcessed(ctx, key, m.ID)
	if err != nil {
		return nil, o.internal(StateValidating, "idempotency check", err)
	}
	if prev != nil {
		dup := *prev
		dup.Duplicate = true
		return &dup, nil
	}

	if err := o.validateAddress(ctx, t); err != nil {
		return nil, err
	}

	rec := &storage.Shipment{
		ID:            t.shipment.ID,
		MerchantID:    m.ID,
		MerchantCode:  m.Code,
		ClientOrderID: req.ClientOrderID,
		AccountID:     t.account.ID,
		Carrier:       t.account.Carrier,
		Service:       t.shipment.Service,
		Sender:        t.shipment.Sender,
		Recipient:     t.shipment.Recipient,
		Packages:      t.shipment.Packages,
		Reference:     t.shipment.Reference,
		Status:        storage.StatusPending,
		IsTest:        t.isTest,
	}
	if err := o.store.CreateShipment(ctx, rec); err != nil {
		return nil, o.internal(StateValidating, "record shipment", err)
	}

	res, err = o.fulfill(ctx, t, rec, m)
	if err != nil {
		o.recordFailure(ctx, rec, err)
		return nil, err
	}
	o.idem.CacheResult(key, m.ID, res)
	return res, nil
}

func (o *Orchestrator) fulfill(ctx context.Context, t *target, rec *storage.Shipment, m Merchant) (*carrier.LabelResult, error) {
	log := o.logger.Ctx(ctx).WithOptions(zap.Fields(
		zap.String("shipment_id", rec.ID),
		zap.String("merchant_id", m.ID),
		zap.String("carrier", t.account.Carrier),
	))

	rates, err := o.price(ctx, t, StatePricing)
	if err != nil {
		return nil, err
	}
	rate, err := chooseRate(rates, t.shipment.Service.ID, t.account.Carrier)
	if err != nil {
		return nil, err
	}
	rate, err = o.applyFee(t, rate)
	if err != nil {
		return nil, err
	}
	log.Info("rate selected",
		zap.String("service_id", rate.ServiceID),
		zap.String("amount", rate.Amount.StringFixed(2)),
		zap.String("fee", rate.Fee.StringFixed(2)),
		zap.String("total", rate.Total.StringFixed(2)),
		zap.Bool("thirdparty", rate.Thirdparty),
	)

	var charge *ledger.ChargeResult
	if !t.isTest {
		charge, err = o.ledger.Charge(ctx, m.ID, rate.Total)
		if err != nil {
			return nil, chargeError(err, t.account.Carrier)
		}
	}

	labelCtx, cancel := context.WithTimeout(ctx, o.cfg.CarrierTimeout)
	label, err := t.adapter.CreateLabel(labelCtx, t.shipment, rate).Unwrap()
	cancel()
	if err != nil {
		o.countCarrierError(t.account.Carrier, err)
		fail := carrierError(StateLabelRequested, t.account.Carrier, "create label", err, false)
		if charge != nil {
			if rerr := o.refund(ctx, m.ID, rate.Total, "label_failed"); rerr != nil {
				fail.Cause = errors.Join(fail.Cause, rerr)
			}
		}
		return nil, fail
	}
	if label.Partial {
		log.Warn("label issued with missing artifacts", zap.Strings("warnings", label.Warnings))
	}

	rec.Status = storage.StatusFulfilled
	rec.Service = t.shipment.Service
	rec.Rate = rate
	rec.TrackingID = label.TrackingID
	rec.CarrierShipmentID = label.CarrierShipmentID
	rec.Labels = label.Labels
	rec.LastError = ""

	var billing *storage.Billing
	if charge != nil {
		billing = &storage.Billing{
			ID:           uuid.NewString(),
			MerchantID:   m.ID,
			ShipmentID:   rec.ID,
			ShippingCost: rate.Amount,
			FeeAmount:    rate.Fee,
			FeeBasis:     t.account.FeeBasis,
			Total:        rate.Total,
			BalanceAfter: charge.Balance,
			Currency:     rate.Currency,
		}
	}

	if err := o.store.CompleteFulfillment(ctx, rec, billing); err != nil {
		fail := o.internal(StateBilled, "complete fulfillment", err).withCarrier(t.account.Carrier)
		var errs []error
		if charge != nil {
			if rerr := o.refund(ctx, m.ID, rate.Total, "billing_failed"); rerr != nil {
				errs = append(errs, rerr)
			}
		}
		o.voidLabel(ctx, t.adapter, carrier.LabelRef{TrackingID: label.TrackingID, CarrierShipmentID: label.CarrierShipmentID})
		if len(errs) > 0 {
			fail.Cause = errors.Join(append([]error{fail.Cause}, errs...)...)
		}
		rec.Status = storage.StatusPending
		return nil, fail
	}

	out := *label
	out.ShipmentID = rec.ID
	out.ClientOrderID = rec.ClientOrderID
	out.Rate = rate
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	o.publish(ctx, events.TypeLabelFulfilled, m.ID, events.LabelFulfilled{
		ShipmentID:    rec.ID,
		ClientOrderID: rec.ClientOrderID,
		AccountID:     t.account.ID,
		Carrier:       t.account.Carrier,
		ServiceID:     rate.ServiceID,
		TrackingID:    label.TrackingID,
		Total:         rate.Total,
		Currency:      rate.Currency,
		IsTest:        t.isTest,
		Partial:       label.Partial,
	})
	log.Info("label fulfilled", zap.String("tracking_id", label.TrackingID))
	return &out, nil
}

// prepare loads the account, builds its adapter and validates the request.
func (o *Orchestrator) prepare(ctx context.Context, req *Request, m Merchant, state State) (*target, error) {
	if len(req.Packages) == 0 {
		return nil, newError(KindValidation, CodeInvalidRequest, state, "at least one package is required")
	}

	account, err := o.loadAccount(ctx, req.AccountID, m, state)
	if err != nil {
		return nil, err
	}
	isTest := req.IsTest || account.IsTest
	adapter, err := o.adapterFor(ctx, account, isTest, state)
	if err != nil {
		return nil, err
	}

	s := &carrier.Shipment{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Carrier:       account.Carrier,
		Service:       req.Service,
		Sender:        req.Sender,
		Recipient:     req.Recipient,
		Packages:      req.Packages,
		Reference:     req.Reference,
		IsTest:        isTest,
	}

	if s.Service.ID == customservice.ServiceCustom {
		svc, err := o.resolveCustomService(ctx, s, m, account.Carrier, state)
		if err != nil {
			return nil, err
		}
		s.Service = svc
	}

	if err := validatePackages(s, account, state); err != nil {
		return nil, err
	}
	return &target{account: account, adapter: adapter, shipment: s, isTest: isTest}, nil
}

func (o *Orchestrator) loadAccount(ctx context.Context, accountID string, m Merchant, state State) (*storage.Account, error) {
	if accountID == "" {
		return nil, newError(KindValidation, CodeInvalidRequest, state, "account id is required")
	}
	account, err := o.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(KindConfiguration, CodeAccountNotFound, state, "account "+accountID+" not found")
	}
	if err != nil {
		return nil, o.internal(state, "load account", err)
	}
	if account.MerchantID != m.ID {
		return nil, newError(KindValidation, CodeAccountMismatch, state, "account "+accountID+" does not belong to merchant")
	}
	return account, nil
}

func (o *Orchestrator) adapterFor(ctx context.Context, account *storage.Account, isTest bool, state State) (carrier.Adapter, error) {
	adapter, ok := o.registry.Get(account.CarrierConfig(), isTest, account.Facility)
	if !ok {
		return nil, newError(KindConfiguration, CodeUnknownCarrier, state, "carrier not registered").withCarrier(account.Carrier)
	}
	if err := adapter.Init(ctx); err != nil {
		return nil, newError(KindConfiguration, CodeCarrierInit, state, "carrier setup incomplete").
			withCarrier(account.Carrier).withCause(err)
	}
	return adapter, nil
}

func (o *Orchestrator) resolveCustomService(ctx context.Context, s *carrier.Shipment, m Merchant, carrierName string, state State) (carrier.Service, error) {
	cs, err := o.store.GetCustomService(ctx, m.ID, carrierName)
	if errors.Is(err, storage.ErrNotFound) {
		return carrier.Service{}, newError(KindNoServiceMatch, CodeNoServiceMatch, state, "no custom service configured").withCarrier(carrierName)
	}
	if err != nil {
		return carrier.Service{}, o.internal(state, "load custom service", err)
	}

	sel, err := customservice.Select(s, cs)
	if errors.Is(err, customservice.ErrNoServiceMatch) {
		return carrier.Service{}, newError(KindNoServiceMatch, CodeNoServiceMatch, state, "no custom service candidate matches").
			withCarrier(carrierName).withCause(err)
	}
	if err != nil {
		return carrier.Service{}, newError(KindValidation, CodeInvalidPackage, state, "custom service conditions").withCause(err)
	}
	if sel.Backup {
		o.logger.Ctx(ctx).Info("custom service fell back to backup",
			zap.String("custom_service", cs.Name),
			zap.String("service_id", sel.Candidate.ServiceID),
		)
	}
	return sel.Candidate.Service(), nil
}

// validatePackages checks shape and the service's parcel limits.
func validatePackages(s *carrier.Shipment, account *storage.Account, state State) error {
	def, known := account.Service(s.Service.ID)
	if s.Service.ID != "" && len(account.Services) > 0 && !known {
		return newError(KindValidation, CodeUnknownService, state, "service "+s.Service.ID+" is not enabled on the account")
	}

	for i, p := range s.Packages {
		if p.Weight <= 0 {
			return newError(KindValidation, CodeInvalidPackage, state, fmt.Sprintf("package %d: weight must be positive", i))
		}
		if p.Length < 0 || p.Width < 0 || p.Height < 0 {
			return newError(KindValidation, CodeInvalidPackage, state, fmt.Sprintf("package %d: dimensions must not be negative", i))
		}
		if !known {
			continue
		}
		if def.MaxWeight > 0 {
			w, err := units.ConvertWeight(p.Weight, p.WeightUnit, def.WeightUnit)
			if err != nil {
				return newError(KindValidation, CodeInvalidPackage, state, fmt.Sprintf("package %d", i)).withCause(err)
			}
			if w > def.MaxWeight {
				return newError(KindValidation, CodeInvalidPackage, state,
					fmt.Sprintf("package %d: weight %.3f%s exceeds %s limit %.3f%s", i, w, def.WeightUnit, def.ID, def.MaxWeight, def.WeightUnit))
			}
		}
		if def.MaxLength > 0 {
			longest := max(p.Length, p.Width, p.Height)
			l, err := units.ConvertDimension(longest, p.DimensionUnit, def.DimensionUnit)
			if err != nil {
				return newError(KindValidation, CodeInvalidPackage, state, fmt.Sprintf("package %d", i)).withCause(err)
			}
			if l > def.MaxLength {
				return newError(KindValidation, CodeInvalidPackage, state,
					fmt.Sprintf("package %d: length %.1f%s exceeds %s limit %.1f%s", i, l, def.DimensionUnit, def.ID, def.MaxLength, def.DimensionUnit))
			}
		}
	}
	return nil
}

// validateAddress asks the carrier about the recipient when the account
// opts in and the adapter can.
func (o *Orchestrator) validateAddress(ctx context.Context, t *target) error {
	if !t.account.ValidateAddresses {
		return nil
	}
	v, ok := t.adapter.(carrier.AddressValidator)
	if !ok {
		o.logger.Ctx(ctx).Info("address validation not supported, skipping", zap.String("carrier", t.account.Carrier))
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CarrierTimeout)
	defer cancel()
	res, err := v.ValidateAddress(callCtx, t.shipment.Recipient).Unwrap()
	if err != nil {
		o.countCarrierError(t.account.Carrier, err)
		return carrierError(StateValidating, t.account.Carrier, "validate address", err, false)
	}
	if !res.Valid {
		e := newError(KindValidation, CodeAddressInvalid, StateValidating, "recipient address rejected").withCarrier(t.account.Carrier)
		if len(res.Messages) > 0 {
			e.Message += ": " + res.Messages[0]
		}
		return e
	}
	return nil
}

func chooseRate(rates []carrier.Rate, serviceID, carrierName string) (carrier.Rate, error) {
	var best *carrier.Rate
	for i := range rates {
		r := &rates[i]
		if serviceID != "" && r.ServiceID != serviceID {
			continue
		}
		if best == nil || r.Amount.LessThan(best.Amount) {
			best = r
		}
	}
	if best == nil {
		return carrier.Rate{}, newError(KindNoPriceFound, CodeNoRates, StatePricing, "no rate for service "+serviceID).withCarrier(carrierName)
	}
	return *best, nil
}

func chargeError(err error, carrierName string) *Error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return newError(KindInsufficientBalance, CodeInsufficientBalance, StateBalanceChecked, "balance too low for label").
			withCarrier(carrierName).withCause(err)
	case errors.Is(err, storage.ErrNotFound):
		return newError(KindConfiguration, CodeBalanceNotFound, StateBalanceChecked, "merchant has no balance").withCause(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindInternal, CodeStorage, StateBalanceChecked, "charge interrupted").withCause(err)
	}
	return newError(KindInternal, CodeStorage, StateBalanceChecked, "charge balance").withCause(err)
}

func carrierError(state State, carrierName, op string, err error, quotePath bool) *Error {
	e := newError(KindCarrier, carrier.CodeUnknown, state, op+" failed").withCarrier(carrierName).withCause(err)
	var ce *carrier.CarrierError
	if errors.As(err, &ce) {
		e.Code = ce.Code
		e.retryable = quotePath && ce.Retryable
	}
	return e
}

func (o *Orchestrator) internal(state State, op string, err error) *Error {
	return newError(KindInternal, CodeStorage, state, op).withCause(err)
}

// recordFailure keeps the last error on the pending shipment.
func (o *Orchestrator) recordFailure(ctx context.Context, rec *storage.Shipment, err error) {
	rec.LastError = err.Error()
	if uerr := o.store.UpdateShipment(context.WithoutCancel(ctx), rec); uerr != nil {
		o.logger.Ctx(ctx).Warn("could not record shipment failure", zap.String("shipment_id", rec.ID), zap.Error(uerr))
	}
}

// voidLabel cancels a label whose fulfillment could not be committed.
func (o *Orchestrator) voidLabel(ctx context.Context, adapter carrier.Adapter, ref carrier.LabelRef) {
	c, ok := adapter.(carrier.Canceller)
	if !ok {
		o.logger.Ctx(ctx).Error("label left active, carrier cannot cancel", zap.String("tracking_id", ref.TrackingID))
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CarrierTimeout)
	defer cancel()
	if err := c.CancelLabel(callCtx, ref).Err(); err != nil {
		o.logger.Ctx(ctx).Error("label void failed", zap.String("tracking_id", ref.TrackingID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType, merchantID string, data any) {
	e, err := events.New(eventType, merchantID, data)
	if err == nil {
		err = o.publisher.Publish(ctx, e)
	}
	if err != nil {
		o.logger.Ctx(ctx).Warn("event not published", zap.String("type", eventType), zap.Error(err))
	}
}

func (o *Orchestrator) countCarrierError(carrierName string, err error) {
	if o.metrics == nil {
		return
	}
	code := carrier.CodeUnknown
	var ce *carrier.CarrierError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	o.metrics.RecordError(carrierName, code)
}

// finish records the outcome of an operation on its span, log and metrics.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, op, carrierName string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, status)

		fields := []zap.Field{zap.String("operation", op), zap.String("carrier", carrierName), zap.Error(err)}
		var fe *Error
		if errors.As(err, &fe) {
			fields = append(fields, zap.String("state", string(fe.State)), zap.String("code", fe.Code))
		}
		if KindOf(err) == KindInternal || KindOf(err) == KindConfiguration {
			o.logger.Ctx(ctx).Error("operation failed", fields...)
		} else {
			o.logger.Ctx(ctx).Info("operation rejected", fields...)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordRequest(op, carrierName, status, time.Since(start).Seconds())
	}
}

func sum(a, b decimal.Decimal) decimal.Decimal {
	return units.Round2(a.Add(b))
}
