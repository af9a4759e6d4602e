// Package mock provides a scriptable carrier adapter for testing and for
// running the service without carrier sandboxes.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/pkg/carrier"
)

// Client is a mock carrier adapter. Every call can be overridden with an On*
// hook; without a hook the client returns canned successful responses.
type Client struct {
	name string

	OnInit            func(ctx context.Context) error
	OnQuote           func(ctx context.Context, s *carrier.Shipment, international bool) carrier.Result[*carrier.QuoteResult]
	OnCreateLabel     func(ctx context.Context, s *carrier.Shipment, rate carrier.Rate) carrier.Result[*carrier.LabelResult]
	OnCancelLabel     func(ctx context.Context, ref carrier.LabelRef) carrier.Result[*carrier.CancelResult]
	OnTrack           func(ctx context.Context, ref carrier.LabelRef) carrier.Result[*carrier.TrackResult]
	OnManifest        func(ctx context.Context, req *carrier.ManifestRequest) carrier.Result[*carrier.ManifestResult]
	OnGetManifest     func(ctx context.Context, manifestID string) carrier.Result[*carrier.ManifestResult]
	OnValidateAddress func(ctx context.Context, addr carrier.Address) carrier.Result[*carrier.AddressValidation]

	quotes    atomic.Int32
	labels    atomic.Int32
	cancels   atomic.Int32
	manifests atomic.Int32

	mu     sync.Mutex
	issued map[string][]string
}

// New creates a new mock adapter reporting the given carrier name.
func New(name string) *Client {
	return &Client{name: name, issued: make(map[string][]string)}
}

// Factory returns a carrier.Factory that always hands out c.
func (c *Client) Factory() carrier.Factory {
	return func(carrier.AccountConfig, carrier.Options) carrier.Adapter { return c }
}

// Core returns c restricted to the mandatory Adapter methods, hiding every
// optional capability.
func (c *Client) Core() carrier.Adapter {
	return struct{ carrier.Adapter }{c}
}

// NewFactory returns a factory building an independent mock per account.
func NewFactory(name string) carrier.Factory {
	return func(carrier.AccountConfig, carrier.Options) carrier.Adapter { return New(name) }
}

// QuoteCalls returns how many times Quote was called.
func (c *Client) QuoteCalls() int { return int(c.quotes.Load()) }

// LabelCalls returns how many times CreateLabel was called.
func (c *Client) LabelCalls() int { return int(c.labels.Load()) }

// CancelCalls returns how many times CancelLabel was called.
func (c *Client) CancelCalls() int { return int(c.cancels.Load()) }

// ManifestCalls returns how many times Manifest was called.
func (c *Client) ManifestCalls() int { return int(c.manifests.Load()) }

// Name returns the carrier name.
func (c *Client) Name() string {
	return c.name
}

// Init succeeds unless OnInit says otherwise.
func (c *Client) Init(ctx context.Context) error {
	if c.OnInit != nil {
		return c.OnInit(ctx)
	}
	return nil
}

// Quote returns mock shipping rates.
func (c *Client) Quote(ctx context.Context, s *carrier.Shipment, international bool) carrier.Result[*carrier.QuoteResult] {
	c.quotes.Add(1)
	if c.OnQuote != nil {
		return c.OnQuote(ctx, s, international)
	}

	return carrier.Ok(&carrier.QuoteResult{
		Rates: []carrier.Rate{
			{
				RateID:      fmt.Sprintf("%s-rate-standard", c.name),
				Carrier:     c.name,
				ServiceID:   "STANDARD",
				ServiceName: fmt.Sprintf("%s Standard", c.name),
				Amount:      decimal.RequireFromString("12.50"),
				Currency:    "CAD",
				TransitDays: 5,
				IsTest:      s.IsTest,
			},
			{
				RateID:      fmt.Sprintf("%s-rate-express", c.name),
				Carrier:     c.name,
				ServiceID:   "EXPRESS",
				ServiceName: fmt.Sprintf("%s Express", c.name),
				Amount:      decimal.RequireFromString("24.00"),
				Currency:    "CAD",
				TransitDays: 2,
				IsTest:      s.IsTest,
			},
		},
	})
}

// CreateLabel creates a mock shipping label.
func (c *Client) CreateLabel(ctx context.Context, s *carrier.Shipment, rate carrier.Rate) carrier.Result[*carrier.LabelResult] {
	c.labels.Add(1)
	if c.OnCreateLabel != nil {
		return c.OnCreateLabel(ctx, s, rate)
	}

	trackingID := fmt.Sprintf("MOCK%s", uuid.NewString()[:8])
	return carrier.Ok(&carrier.LabelResult{
		ShipmentID:        s.ID,
		ClientOrderID:     s.ClientOrderID,
		TrackingID:        trackingID,
		CarrierShipmentID: uuid.NewString(),
		TrackingURL:       fmt.Sprintf("https://track.%s.mock/track/%s", c.name, trackingID),
		Labels: []carrier.Label{{
			Format:     carrier.LabelPDF,
			URL:        fmt.Sprintf("https://labels.%s.mock/%s.pdf", c.name, trackingID),
			TrackingID: trackingID,
		}},
		Rate:      rate,
		CreatedAt: time.Now().UTC(),
	})
}

// CancelLabel voids a mock label.
func (c *Client) CancelLabel(ctx context.Context, ref carrier.LabelRef) carrier.Result[*carrier.CancelResult] {
	c.cancels.Add(1)
	if c.OnCancelLabel != nil {
		return c.OnCancelLabel(ctx, ref)
	}
	return carrier.Ok(&carrier.CancelResult{
		TrackingID:         ref.TrackingID,
		Cancelled:          true,
		ConfirmationNumber: fmt.Sprintf("CANCEL-%s", ref.TrackingID),
	})
}

// Track returns a single in-transit event.
func (c *Client) Track(ctx context.Context, ref carrier.LabelRef) carrier.Result[*carrier.TrackResult] {
	if c.OnTrack != nil {
		return c.OnTrack(ctx, ref)
	}
	return carrier.Ok(&carrier.TrackResult{
		TrackingID: ref.TrackingID,
		Status:     carrier.TrackingInTransit,
		Events: []carrier.TrackingEvent{{
			Timestamp:   time.Now().UTC(),
			Description: "Item in transit",
			Status:      carrier.TrackingInTransit,
		}},
	})
}

// Manifest records the tracking ids under a new manifest id.
func (c *Client) Manifest(ctx context.Context, req *carrier.ManifestRequest) carrier.Result[*carrier.ManifestResult] {
	c.manifests.Add(1)
	if c.OnManifest != nil {
		return c.OnManifest(ctx, req)
	}

	id := "MAN-" + uuid.NewString()[:8]
	ids := append([]string(nil), req.TrackingIDs...)
	c.mu.Lock()
	c.issued[id] = ids
	c.mu.Unlock()
	return carrier.Ok(&carrier.ManifestResult{ManifestID: id, TrackingIDs: ids, CreatedAt: time.Now().UTC()})
}

// GetManifest returns a manifest previously created by Manifest.
func (c *Client) GetManifest(ctx context.Context, manifestID string) carrier.Result[*carrier.ManifestResult] {
	if c.OnGetManifest != nil {
		return c.OnGetManifest(ctx, manifestID)
	}

	c.mu.Lock()
	ids, ok := c.issued[manifestID]
	c.mu.Unlock()
	if !ok {
		return carrier.Fail[*carrier.ManifestResult](
			carrier.NewCarrierError(c.name, carrier.CodeNotFound, "manifest not found: "+manifestID))
	}
	return carrier.Ok(&carrier.ManifestResult{ManifestID: manifestID, TrackingIDs: ids})
}

// ValidateAddress accepts every address unless OnValidateAddress says otherwise.
func (c *Client) ValidateAddress(ctx context.Context, addr carrier.Address) carrier.Result[*carrier.AddressValidation] {
	if c.OnValidateAddress != nil {
		return c.OnValidateAddress(ctx, addr)
	}
	return carrier.Ok(&carrier.AddressValidation{Valid: true})
}

var (
	_ carrier.Adapter          = (*Client)(nil)
	_ carrier.Canceller        = (*Client)(nil)
	_ carrier.Tracker          = (*Client)(nil)
	_ carrier.Manifester       = (*Client)(nil)
	_ carrier.ManifestFetcher  = (*Client)(nil)
	_ carrier.AddressValidator = (*Client)(nil)
)
