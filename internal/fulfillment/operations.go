package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/internal/events"
	"github.com/tournevent/shipgate/internal/keylock"
	"github.com/tournevent/shipgate/internal/storage"
	"github.com/tournevent/shipgate/pkg/carrier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Cancel voids a fulfilled shipment's label and refunds its billed total.
// The idempotency entry of the order is kept: a retried label request still
// answers with the original label.
func (o *Orchestrator) Cancel(ctx context.Context, m Merchant, shipmentID string) (res *carrier.CancelResult, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "fulfillment.Cancel", trace.WithAttributes(attribute.String("shipment.id", shipmentID)))
	defer span.End()

	carrierName := ""
	defer func() { o.finish(ctx, span, "cancel", carrierName, start, err) }()

	rec, err := o.loadShipment(ctx, m, shipmentID)
	if err != nil {
		return nil, err
	}
	carrierName = rec.Carrier

	unlock, err := o.idem.Lock(ctx, keylock.OrderKey{MerchantCode: rec.MerchantCode, ClientOrderID: rec.ClientOrderID})
	if err != nil {
		return nil, o.internal(StateValidating, "acquire order lock", err)
	}
	defer unlock()

	// re-read under the lock so two cancels cannot both refund
	if rec, err = o.loadShipment(ctx, m, shipmentID); err != nil {
		return nil, err
	}
	if rec.Status != storage.StatusFulfilled {
		return nil, newError(KindValidation, CodeNotCancellable, StateValidating, "shipment is "+string(rec.Status))
	}

	account, err := o.loadAccount(ctx, rec.AccountID, m, StateValidating)
	if err != nil {
		return nil, err
	}
	adapter, err := o.adapterFor(ctx, account, rec.IsTest, StateValidating)
	if err != nil {
		return nil, err
	}
	canceller, ok := adapter.(carrier.Canceller)
	if !ok {
		o.logger.Ctx(ctx).Info("carrier cannot cancel labels", zap.String("carrier", account.Carrier))
		return nil, newError(KindValidation, CodeCancelUnsupported, StateValidating, "carrier does not support cancellation").withCarrier(account.Carrier)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CarrierTimeout)
	res, err = canceller.CancelLabel(callCtx, rec.LabelRef()).Unwrap()
	cancel()
	if err != nil {
		o.countCarrierError(account.Carrier, err)
		return nil, carrierError(StateLabelRequested, account.Carrier, "cancel label", err, false)
	}
	if !res.Cancelled {
		return nil, newError(KindCarrier, CodeCancelRefused, StateLabelRequested, "carrier refused cancellation").withCarrier(account.Carrier)
	}

	rec.Status = storage.StatusCancelled
	if err := o.store.UpdateShipment(ctx, rec); err != nil {
		return nil, o.internal(StateBilled, "mark shipment cancelled", err).withCarrier(account.Carrier)
	}

	refunded := decimal.Zero
	if !rec.IsTest {
		billing, err := o.store.GetBillingByShipment(ctx, rec.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			o.logger.Ctx(ctx).Warn("cancelled shipment has no billing", zap.String("shipment_id", rec.ID))
		case err != nil:
			return res, o.internal(StateBilled, "load billing", err).withCarrier(account.Carrier)
		default:
			refunded = billing.Total
			if rerr := o.refund(ctx, m.ID, billing.Total, "cancelled"); rerr != nil {
				return res, o.internal(StateBilled, "refund cancelled label", rerr).withCarrier(account.Carrier)
			}
		}
	}

	o.publish(ctx, events.TypeLabelCancelled, m.ID, events.LabelCancelled{
		ShipmentID: rec.ID,
		TrackingID: rec.TrackingID,
		Refunded:   refunded,
	})
	return res, nil
}

// Track returns the label's tracking events.
func (o *Orchestrator) Track(ctx context.Context, m Merchant, shipmentID string) (res *carrier.TrackResult, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "fulfillment.Track", trace.WithAttributes(attribute.String("shipment.id", shipmentID)))
	defer span.End()

	carrierName := ""
	defer func() { o.finish(ctx, span, "track", carrierName, start, err) }()

	rec, err := o.loadShipment(ctx, m, shipmentID)
	if err != nil {
		return nil, err
	}
	carrierName = rec.Carrier
	if rec.TrackingID == "" {
		return nil, newError(KindValidation, CodeShipmentNotFound, StateValidating, "shipment has no label")
	}

	account, err := o.loadAccount(ctx, rec.AccountID, m, StateValidating)
	if err != nil {
		return nil, err
	}
	adapter, err := o.adapterFor(ctx, account, rec.IsTest, StateValidating)
	if err != nil {
		return nil, err
	}
	tracker, ok := adapter.(carrier.Tracker)
	if !ok {
		o.logger.Ctx(ctx).Info("carrier cannot track labels", zap.String("carrier", account.Carrier))
		return nil, newError(KindValidation, CodeTrackUnsupported, StateValidating, "carrier does not support tracking").withCarrier(account.Carrier)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CarrierTimeout)
	defer cancel()
	res, err = tracker.Track(callCtx, rec.LabelRef()).Unwrap()
	if err != nil {
		o.countCarrierError(account.Carrier, err)
		return nil, carrierError(StateValidating, account.Carrier, "track", err, false)
	}
	return res, nil
}

// ManifestOutcome reports a manifest run for one account.
type ManifestOutcome struct {
	AccountID   string   `json:"accountId"`
	ManifestID  string   `json:"manifestId,omitempty"`
	TrackingIDs []string `json:"trackingIds,omitempty"`
	Marked      int      `json:"marked"`
	Skipped     bool     `json:"skipped,omitempty"` // the carrier has no manifest capability
}

// Manifest closes out the account's fulfilled, unmanifested shipments with
// the carrier. Carriers without manifests are skipped.
func (o *Orchestrator) Manifest(ctx context.Context, m Merchant, accountID string) (out *ManifestOutcome, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "fulfillment.Manifest", trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	carrierName := ""
	defer func() { o.finish(ctx, span, "manifest", carrierName, start, err) }()

	account, err := o.loadAccount(ctx, accountID, m, StateValidating)
	if err != nil {
		return nil, err
	}
	carrierName = account.Carrier
	adapter, err := o.adapterFor(ctx, account, account.IsTest, StateValidating)
	if err != nil {
		return nil, err
	}

	out = &ManifestOutcome{AccountID: accountID}
	manifester, ok := adapter.(carrier.Manifester)
	if !ok {
		o.logger.Ctx(ctx).Info("carrier has no manifest, skipping", zap.String("carrier", account.Carrier))
		out.Skipped = true
		return out, nil
	}

	pending, err := o.store.ListUnmanifested(ctx, accountID)
	if err != nil {
		return nil, o.internal(StateValidating, "list unmanifested shipments", err)
	}
	if len(pending) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(pending))
	for _, s := range pending {
		ids = append(ids, s.TrackingID)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CarrierTimeout)
	res, err := manifester.Manifest(callCtx, &carrier.ManifestRequest{
		TrackingIDs: ids,
		Facility:    account.Facility,
		ShipDate:    time.Now(),
	}).Unwrap()
	cancel()
	if err != nil {
		o.countCarrierError(account.Carrier, err)
		return nil, carrierError(StateLabelRequested, account.Carrier, "manifest", err, false)
	}

	covered := res.TrackingIDs
	if len(covered) == 0 {
		covered = ids
	}
	return o.markManifested(ctx, m, account, res.ManifestID, covered)
}

// ReconcileManifest fetches a manifest from the carrier and flags the
// shipments it lists.
func (o *Orchestrator) ReconcileManifest(ctx context.Context, m Merchant, accountID, manifestID string) (out *ManifestOutcome, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "fulfillment.ReconcileManifest", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.String("manifest.id", manifestID),
	))
	defer span.End()

	carrierName := ""
	defer func() { o.finish(ctx, span, "reconcile_manifest", carrierName, start, err) }()

	account, err := o.loadAccount(ctx, accountID, m, StateValidating)
	if err != nil {
		return nil, err
	}
	carrierName = account.Carrier
	adapter, err := o.adapterFor(ctx, account, account.IsTest, StateValidating)
	if err != nil {
		return nil, err
	}
	fetcher, ok := adapter.(carrier.ManifestFetcher)
	if !ok {
		o.logger.Ctx(ctx).Info("carrier cannot fetch manifests, skipping", zap.String("carrier", account.Carrier))
		return &ManifestOutcome{AccountID: accountID, ManifestID: manifestID, Skipped: true}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CarrierTimeout)
	res, err := fetcher.GetManifest(callCtx, manifestID).Unwrap()
	cancel()
	if err != nil {
		o.countCarrierError(account.Carrier, err)
		return nil, carrierError(StateValidating, account.Carrier, "get manifest", err, false)
	}
	return o.markManifested(ctx, m, account, manifestID, res.TrackingIDs)
}

func (o *Orchestrator) markManifested(ctx context.Context, m Merchant, account *storage.Account, manifestID string, trackingIDs []string) (*ManifestOutcome, error) {
	n, err := o.store.MarkManifested(ctx, account.ID, manifestID, trackingIDs)
	if err != nil {
		return nil, o.internal(StateBilled, "mark shipments manifested", err).withCarrier(account.Carrier)
	}
	o.logger.Ctx(ctx).Info("shipments manifested",
		zap.String("account_id", account.ID),
		zap.String("manifest_id", manifestID),
		zap.Int("marked", n),
	)
	o.publish(ctx, events.TypeShipmentManifested, m.ID, events.ShipmentManifested{
		AccountID:   account.ID,
		ManifestID:  manifestID,
		TrackingIDs: trackingIDs,
	})
	return &ManifestOutcome{AccountID: account.ID, ManifestID: manifestID, TrackingIDs: trackingIDs, Marked: n}, nil
}

func (o *Orchestrator) loadShipment(ctx context.Context, m Merchant, id string) (*storage.Shipment, error) {
	rec, err := o.store.GetShipment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rec.MerchantID != m.ID) {
		return nil, newError(KindValidation, CodeShipmentNotFound, StateValidating, "shipment "+id+" not found")
	}
	if err != nil {
		return nil, o.internal(StateValidating, "load shipment", err)
	}
	return rec, nil
}
