// Package canadapost provides integration with the Canada Post shipping API.
package canadapost

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// CarrierName is the identifier accounts use for Canada Post.
const CarrierName = "canadapost"

// Credential and setting keys read by Init.
const (
	CredentialUsername       = "username"
	CredentialPassword       = "password"
	CredentialCustomerNumber = "customer_number"

	SettingContractID   = "contract_id"
	SettingGroupID      = "group_id"
	SettingOriginPostal = "origin_postal"
)

const defaultGroupID = "default"

// Config holds process-wide Canada Post settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	UseMock bool
}

// Client is the Canada Post carrier adapter for one account. Canada Post
// prices and ships one parcel per request, so multi-parcel shipments are
// rejected at quote time.
type Client struct {
	config  Config
	account carrier.AccountConfig
	opts    carrier.Options

	apiClient      APIClient
	customerNumber string
	contractID     string
	groupID        string

	logger *otelzap.Logger
	tracer trace.Tracer
}

// NewFactory returns a registry factory building a Client per account.
func NewFactory(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) carrier.Factory {
	return func(acct carrier.AccountConfig, opts carrier.Options) carrier.Adapter {
		return New(cfg, acct, opts, logger, tracer)
	}
}

// New creates a Canada Post adapter. The API client is built by Init.
func New(cfg Config, acct carrier.AccountConfig, opts carrier.Options, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(CarrierName)
	}
	return &Client{config: cfg, account: acct, opts: opts, logger: logger, tracer: tracer}
}

// NewWithAPIClient creates an adapter around an existing API client.
func NewWithAPIClient(acct carrier.AccountConfig, opts carrier.Options, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	c := New(Config{}, acct, opts, logger, tracer)
	c.apiClient = apiClient
	return c
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return CarrierName
}

// Init loads the account's web service key and customer number.
func (c *Client) Init(ctx context.Context) error {
	if c.account.CredentialsRef == "" {
		return fmt.Errorf("%w: canadapost account %s has no credentials", carrier.ErrConfiguration, c.account.ID)
	}
	if c.opts.Credentials == nil {
		return fmt.Errorf("%w: no credential source", carrier.ErrConfiguration)
	}
	creds, err := c.opts.Credentials.Credentials(ctx, c.account.CredentialsRef)
	if err != nil {
		return fmt.Errorf("%w: canadapost credentials %s: %w", carrier.ErrConfiguration, c.account.CredentialsRef, err)
	}
	for _, key := range []string{CredentialUsername, CredentialPassword, CredentialCustomerNumber} {
		if creds[key] == "" {
			return fmt.Errorf("%w: canadapost credentials %s: missing %s", carrier.ErrConfiguration, c.account.CredentialsRef, key)
		}
	}
	c.customerNumber = creds[CredentialCustomerNumber]
	c.contractID = c.account.Settings[SettingContractID]
	c.groupID = c.account.Settings[SettingGroupID]
	if c.groupID == "" {
		c.groupID = defaultGroupID
	}

	if c.apiClient != nil {
		return nil
	}
	if c.config.UseMock || (c.opts.IsTest && c.config.BaseURL == "") {
		c.apiClient = NewMockAPIClient()
		return nil
	}
	c.apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
		BaseURL:        c.config.BaseURL,
		Username:       creds[CredentialUsername],
		Password:       creds[CredentialPassword],
		CustomerNumber: c.customerNumber,
		Timeout:        c.config.Timeout,
	})
	return nil
}

// Quote returns Canada Post rates for a single-parcel shipment.
func (c *Client) Quote(ctx context.Context, s *carrier.Shipment, international bool) carrier.Result[*carrier.QuoteResult] {
	ctx, span := c.tracer.Start(ctx, "canadapost.Quote", trace.WithAttributes(
		attribute.String("shipment.client_order_id", s.ClientOrderID),
		attribute.Bool("shipment.international", international),
	))
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.QuoteResult](notInitialized())
	}
	if n := s.PackageCount(); n != 1 {
		return carrier.Ok(&carrier.QuoteResult{Errors: []string{fmt.Sprintf("canadapost ships one parcel per shipment, got %d", n)}})
	}
	p, err := parcel(s.Packages[0])
	if err != nil {
		return carrier.Ok(&carrier.QuoteResult{Errors: []string{err.Error()}})
	}

	c.logger.Ctx(ctx).Info("Getting Canada Post quotes",
		zap.String("account_id", c.account.ID),
		zap.String("origin_postal", s.Sender.PostalCode),
		zap.String("destination_country", s.Recipient.CountryCode),
	)

	resp, err := c.apiClient.GetRates(ctx, &RatesRequest{
		CustomerNumber: c.customerNumber,
		ContractID:     c.contractID,
		OriginPostal:   s.Sender.PostalCode,
		Weight:         p.weight,
		Length:         p.length,
		Width:          p.width,
		Height:         p.height,
		Country:        s.Recipient.CountryCode,
		PostalCode:     s.Recipient.PostalCode,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Rejected() {
			return carrier.Ok(&carrier.QuoteResult{Errors: []string{apiErr.Description}})
		}
		return carrier.Fail[*carrier.QuoteResult](c.fail(ctx, span, "quote", err))
	}

	out := &carrier.QuoteResult{}
	for _, r := range resp.Rates {
		if s.Service.ID != "" && s.Service.ID != r.ServiceCode {
			continue
		}
		out.Rates = append(out.Rates, carrier.Rate{
			Carrier:     CarrierName,
			ServiceID:   r.ServiceCode,
			ServiceName: r.ServiceName,
			Amount:      decimal.NewFromFloat(r.Due),
			Currency:    "CAD",
			TransitDays: r.TransitDays,
			IsTest:      c.opts.IsTest || s.IsTest,
			AccountID:   c.account.ID,
		})
	}
	return carrier.Ok(out)
}

// CreateLabel creates a shipment in the account's group and downloads its
// label. A cross-border shipment without a commercial invoice is Partial.
func (c *Client) CreateLabel(ctx context.Context, s *carrier.Shipment, rate carrier.Rate) carrier.Result[*carrier.LabelResult] {
	ctx, span := c.tracer.Start(ctx, "canadapost.CreateLabel", trace.WithAttributes(
		attribute.String("shipment.id", s.ID),
		attribute.String("rate.service_id", rate.ServiceID),
	))
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.LabelResult](notInitialized())
	}
	if s.PackageCount() != 1 {
		return carrier.Fail[*carrier.LabelResult](
			carrier.NewCarrierError(CarrierName, carrier.CodeRejected, "canadapost ships one parcel per shipment"))
	}
	p, err := parcel(s.Packages[0])
	if err != nil {
		return carrier.Fail[*carrier.LabelResult](carrier.NewCarrierError(CarrierName, carrier.CodeRejected, err.Error()))
	}

	req := &ShipmentRequest{
		GroupID:      c.groupID,
		ServiceCode:  rate.ServiceID,
		OriginPostal: s.Sender.PostalCode,
		Sender:       address(s.Sender),
		Destination:  address(s.Recipient),
		Weight:       p.weight,
		Length:       p.length,
		Width:        p.width,
		Height:       p.height,
		Reference:    s.ClientOrderID,
	}
	if s.IsInternational() {
		value, _ := s.Packages[0].DeclaredValue.Float64()
		req.Customs = &Customs{Currency: "CAD", Value: value}
	}

	c.logger.Ctx(ctx).Info("Creating Canada Post shipment",
		zap.String("account_id", c.account.ID),
		zap.String("group_id", c.groupID),
		zap.String("service_code", rate.ServiceID),
	)

	resp, err := c.apiClient.CreateShipment(ctx, req)
	if err != nil {
		return carrier.Fail[*carrier.LabelResult](c.fail(ctx, span, "create_label", err))
	}

	out := &carrier.LabelResult{
		ShipmentID:        s.ID,
		ClientOrderID:     s.ClientOrderID,
		TrackingID:        resp.TrackingPIN,
		CarrierShipmentID: resp.ShipmentID,
		TrackingURL:       "https://www.canadapost-postescanada.ca/track-reperage/en#/details/" + resp.TrackingPIN,
		Rate:              rate,
		CreatedAt:         time.Now().UTC(),
	}

	// The shipment exists once CreateShipment succeeds; artifact failures
	// degrade the result instead of failing it.
	if resp.LabelHref == "" {
		out.Partial = true
		out.Warnings = append(out.Warnings, "label document not yet available")
	} else if pdf, err := c.apiClient.GetArtifact(ctx, resp.LabelHref); err != nil {
		c.logger.Ctx(ctx).Warn("Canada Post label download failed",
			zap.String("shipment_id", resp.ShipmentID), zap.Error(err))
		out.Labels = append(out.Labels, carrier.Label{Format: carrier.LabelPDF, URL: resp.LabelHref, TrackingID: resp.TrackingPIN})
		out.Warnings = append(out.Warnings, "label served by link only")
	} else {
		out.Labels = append(out.Labels, carrier.Label{
			Format:     carrier.LabelPDF,
			Data:       base64.StdEncoding.EncodeToString(pdf),
			TrackingID: resp.TrackingPIN,
		})
	}
	if req.Customs != nil && resp.CustomsHref == "" {
		out.Partial = true
		out.Warnings = append(out.Warnings, "customs invoice missing")
	}
	return carrier.Ok(out)
}

// CancelLabel voids the Canada Post shipment behind the label.
func (c *Client) CancelLabel(ctx context.Context, ref carrier.LabelRef) carrier.Result[*carrier.CancelResult] {
	ctx, span := c.tracer.Start(ctx, "canadapost.CancelLabel")
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.CancelResult](notInitialized())
	}
	if ref.CarrierShipmentID == "" {
		return carrier.Fail[*carrier.CancelResult](
			carrier.NewCarrierError(CarrierName, carrier.CodeRejected, "canadapost shipment id required to void"))
	}
	if err := c.apiClient.VoidShipment(ctx, ref.CarrierShipmentID); err != nil {
		return carrier.Fail[*carrier.CancelResult](c.fail(ctx, span, "cancel", err))
	}
	return carrier.Ok(&carrier.CancelResult{TrackingID: ref.TrackingID, Cancelled: true})
}

// Track returns the latest tracking event of the label's PIN.
func (c *Client) Track(ctx context.Context, ref carrier.LabelRef) carrier.Result[*carrier.TrackResult] {
	ctx, span := c.tracer.Start(ctx, "canadapost.Track")
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.TrackResult](notInitialized())
	}
	resp, err := c.apiClient.GetTracking(ctx, ref.TrackingID)
	if err != nil {
		return carrier.Fail[*carrier.TrackResult](c.fail(ctx, span, "track", err))
	}

	status := trackingStatus(resp.EventType)
	out := &carrier.TrackResult{TrackingID: ref.TrackingID, Status: status}
	if resp.EventType != "" {
		ts, _ := time.Parse(time.RFC3339, resp.EventDateTime)
		out.Events = []carrier.TrackingEvent{{
			Timestamp:   ts,
			Description: resp.EventDescription,
			Location:    resp.EventLocation,
			Status:      status,
		}}
	}
	return carrier.Ok(out)
}

// Manifest transmits the account's shipment group and gathers the PINs of
// the resulting manifests.
func (c *Client) Manifest(ctx context.Context, req *carrier.ManifestRequest) carrier.Result[*carrier.ManifestResult] {
	ctx, span := c.tracer.Start(ctx, "canadapost.Manifest", trace.WithAttributes(
		attribute.Int("manifest.labels", len(req.TrackingIDs)),
	))
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.ManifestResult](notInitialized())
	}

	origin := c.account.Settings[SettingOriginPostal]
	if req.Facility != "" {
		origin = req.Facility
	}
	shipDate := req.ShipDate
	if shipDate.IsZero() {
		shipDate = time.Now()
	}

	resp, err := c.apiClient.Transmit(ctx, &TransmitRequest{
		GroupIDs:     []string{c.groupID},
		OriginPostal: origin,
		ShippingDate: shipDate.Format(time.DateOnly),
	})
	if err != nil {
		return carrier.Fail[*carrier.ManifestResult](c.fail(ctx, span, "manifest", err))
	}
	if len(resp.ManifestIDs) == 0 {
		return carrier.Fail[*carrier.ManifestResult](
			carrier.NewCarrierError(CarrierName, carrier.CodeRejected, "transmit produced no manifest"))
	}

	out := &carrier.ManifestResult{ManifestID: resp.ManifestIDs[0], CreatedAt: time.Now().UTC()}
	for _, id := range resp.ManifestIDs {
		mf, err := c.apiClient.GetManifest(ctx, id)
		if err != nil {
			return carrier.Fail[*carrier.ManifestResult](c.fail(ctx, span, "manifest", err))
		}
		if out.DocumentURL == "" {
			out.DocumentURL = mf.DocumentURL
		}
		out.TrackingIDs = append(out.TrackingIDs, mf.PINs...)
	}
	if len(resp.ManifestIDs) > 1 {
		c.logger.Ctx(ctx).Info("Canada Post transmit produced several manifests",
			zap.Strings("manifest_ids", resp.ManifestIDs))
	}
	return carrier.Ok(out)
}

// GetManifest retrieves a transmitted manifest.
func (c *Client) GetManifest(ctx context.Context, manifestID string) carrier.Result[*carrier.ManifestResult] {
	ctx, span := c.tracer.Start(ctx, "canadapost.GetManifest")
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.ManifestResult](notInitialized())
	}
	mf, err := c.apiClient.GetManifest(ctx, manifestID)
	if err != nil {
		return carrier.Fail[*carrier.ManifestResult](c.fail(ctx, span, "get_manifest", err))
	}
	return carrier.Ok(&carrier.ManifestResult{
		ManifestID:  mf.ManifestID,
		TrackingIDs: mf.PINs,
		DocumentURL: mf.DocumentURL,
	})
}

func (c *Client) fail(ctx context.Context, span trace.Span, op string, err error) *carrier.CarrierError {
	var ce *carrier.CarrierError
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Rejected():
			ce = carrier.NewCarrierError(CarrierName, carrier.CodeRejected, apiErr.Description)
		case apiErr.Status == 404:
			ce = carrier.NewCarrierError(CarrierName, carrier.CodeNotFound, apiErr.Description)
		default:
			ce = carrier.FromHTTPStatus(CarrierName, apiErr.Status, apiErr.Description)
		}
		ce.WithCause(err)
	} else {
		ce = carrier.AsCarrierError(CarrierName, err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, ce.Code)
	c.logger.Ctx(ctx).Error("Canada Post API error",
		zap.String("operation", op),
		zap.String("account_id", c.account.ID),
		zap.String("code", ce.Code),
		zap.Error(err),
	)
	return ce
}

func notInitialized() *carrier.CarrierError {
	return carrier.NewCarrierError(CarrierName, carrier.CodeUnknown, "adapter used before Init")
}

type parcelSize struct {
	weight, length, width, height float64
}

// parcel converts a package to kilograms and centimetres.
func parcel(p carrier.Package) (parcelSize, error) {
	w, err := units.ConvertWeight(p.Weight, p.WeightUnit, units.WeightKG)
	if err != nil {
		return parcelSize{}, err
	}
	out := parcelSize{weight: w}
	for _, d := range []struct {
		in  float64
		out *float64
	}{{p.Length, &out.length}, {p.Width, &out.width}, {p.Height, &out.height}} {
		if *d.out, err = units.ConvertDimension(d.in, p.DimensionUnit, units.DimensionCM); err != nil {
			return parcelSize{}, err
		}
	}
	return out, nil
}

func address(a carrier.Address) Address {
	return Address{
		Name:         a.Name,
		Company:      a.Company,
		Phone:        a.Phone,
		AddressLine1: a.Line1,
		AddressLine2: a.Line2,
		City:         a.City,
		Province:     a.ProvinceCode,
		PostalCode:   a.PostalCode,
		CountryCode:  a.CountryCode,
	}
}

func trackingStatus(eventType string) carrier.TrackingStatus {
	switch eventType {
	case "":
		return carrier.TrackingPending
	case "INDUCTION", "INFO", "VEHICLE_INFO":
		return carrier.TrackingInTransit
	case "OUT":
		return carrier.TrackingOutForDelivery
	case "DELIVERED":
		return carrier.TrackingDelivered
	case "ATTEMPTED", "RETURNED", "EXCEPTION":
		return carrier.TrackingException
	default:
		return carrier.TrackingUnknown
	}
}

var (
	_ carrier.Adapter         = (*Client)(nil)
	_ carrier.Manifester      = (*Client)(nil)
	_ carrier.ManifestFetcher = (*Client)(nil)
	_ carrier.Canceller       = (*Client)(nil)
	_ carrier.Tracker         = (*Client)(nil)
)
