// Package freightcom provides integration with the Freightcom shipping API.
package freightcom

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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

// CarrierName is the identifier accounts use for Freightcom.
const CarrierName = "freightcom"

// Credential and setting keys read by Init.
const (
	CredentialAPIKey       = "api_key"
	SettingPaymentMethodID = "payment_method_id"
)

// Config holds process-wide Freightcom settings. Per-account secrets come
// from the credential source at Init.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	UseMock      bool
}

// Client is the Freightcom carrier adapter for one account.
// It delegates API calls to an APIClient (mock or HTTP).
type Client struct {
	config  Config
	account carrier.AccountConfig
	opts    carrier.Options

	apiClient       APIClient
	paymentMethodID int

	logger *otelzap.Logger
	tracer trace.Tracer
}

// NewFactory returns a registry factory building a Client per account.
func NewFactory(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) carrier.Factory {
	return func(acct carrier.AccountConfig, opts carrier.Options) carrier.Adapter {
		return New(cfg, acct, opts, logger, tracer)
	}
}

// New creates a Freightcom adapter. The API client is built by Init once the
// account's credentials are known.
func New(cfg Config, acct carrier.AccountConfig, opts carrier.Options, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(CarrierName)
	}
	return &Client{config: cfg, account: acct, opts: opts, logger: logger, tracer: tracer}
}

// NewWithAPIClient creates an adapter around an existing API client.
// This is useful for injecting mock clients in tests.
func NewWithAPIClient(acct carrier.AccountConfig, opts carrier.Options, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	c := New(Config{}, acct, opts, logger, tracer)
	c.apiClient = apiClient
	return c
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return CarrierName
}

// Init loads the account's API key and payment method.
func (c *Client) Init(ctx context.Context) error {
	if c.account.CredentialsRef == "" {
		return fmt.Errorf("%w: freightcom account %s has no credentials", carrier.ErrConfiguration, c.account.ID)
	}
	if c.opts.Credentials == nil {
		return fmt.Errorf("%w: no credential source", carrier.ErrConfiguration)
	}
	creds, err := c.opts.Credentials.Credentials(ctx, c.account.CredentialsRef)
	if err != nil {
		return fmt.Errorf("%w: freightcom credentials %s: %w", carrier.ErrConfiguration, c.account.CredentialsRef, err)
	}
	apiKey := creds[CredentialAPIKey]
	if apiKey == "" {
		return fmt.Errorf("%w: freightcom credentials %s: missing %s", carrier.ErrConfiguration, c.account.CredentialsRef, CredentialAPIKey)
	}

	raw := c.account.Settings[SettingPaymentMethodID]
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: freightcom account %s: invalid %s %q", carrier.ErrConfiguration, c.account.ID, SettingPaymentMethodID, raw)
	}
	c.paymentMethodID = id

	if c.apiClient != nil {
		return nil
	}
	if c.config.UseMock || (c.opts.IsTest && c.config.BaseURL == "") {
		c.apiClient = NewMockAPIClient()
		return nil
	}
	c.apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
		BaseURL:      c.config.BaseURL,
		APIKey:       apiKey,
		Timeout:      c.config.Timeout,
		PollInterval: c.config.PollInterval,
	})
	return nil
}

// Quote returns Freightcom rates. Content rejections from the API become
// QuoteResult.Errors; transport failures become a CarrierError.
func (c *Client) Quote(ctx context.Context, s *carrier.Shipment, international bool) carrier.Result[*carrier.QuoteResult] {
	ctx, span := c.tracer.Start(ctx, "freightcom.Quote", trace.WithAttributes(
		attribute.String("shipment.client_order_id", s.ClientOrderID),
		attribute.Bool("shipment.international", international),
	))
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.QuoteResult](notInitialized())
	}

	details, err := shipmentDetail(s, international)
	if err != nil {
		return carrier.Ok(&carrier.QuoteResult{Errors: []string{err.Error()}})
	}
	req := &RatesRequest{Details: details}
	if id, err := strconv.Atoi(s.Service.ID); err == nil {
		req.Services = []int{id}
	}

	c.logger.Ctx(ctx).Info("Getting Freightcom quotes",
		zap.String("account_id", c.account.ID),
		zap.String("origin_country", s.Sender.CountryCode),
		zap.String("destination_country", s.Recipient.CountryCode),
		zap.Int("package_count", s.PackageCount()),
	)

	resp, err := c.apiClient.GetRates(ctx, req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Rejected() {
			return carrier.Ok(&carrier.QuoteResult{Errors: apiErr.Messages()})
		}
		return carrier.Fail[*carrier.QuoteResult](c.fail(ctx, span, "quote", err))
	}

	out := &carrier.QuoteResult{Errors: resp.Errors}
	for _, r := range resp.Rates {
		out.Rates = append(out.Rates, carrier.Rate{
			RateID:      r.ID,
			Carrier:     CarrierName,
			ServiceID:   strconv.Itoa(r.ServiceID),
			ServiceName: r.ServiceName,
			Amount:      decimal.NewFromFloat(r.TotalPrice),
			Currency:    r.Currency,
			TransitDays: r.TransitDays,
			IsTest:      c.opts.IsTest || s.IsTest,
			AccountID:   c.account.ID,
		})
	}
	return carrier.Ok(out)
}

// CreateLabel books the shipment for rate's service. The shipment id is sent
// as Freightcom's unique_id, so a repeated booking returns the first label.
func (c *Client) CreateLabel(ctx context.Context, s *carrier.Shipment, rate carrier.Rate) carrier.Result[*carrier.LabelResult] {
	ctx, span := c.tracer.Start(ctx, "freightcom.CreateLabel", trace.WithAttributes(
		attribute.String("shipment.id", s.ID),
		attribute.String("rate.service_id", rate.ServiceID),
	))
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.LabelResult](notInitialized())
	}

	serviceID, err := strconv.Atoi(rate.ServiceID)
	if err != nil {
		return carrier.Fail[*carrier.LabelResult](
			carrier.NewCarrierError(CarrierName, carrier.CodeRejected, "service id must be numeric: "+rate.ServiceID))
	}
	details, err := shipmentDetail(s, s.IsInternational())
	if err != nil {
		return carrier.Fail[*carrier.LabelResult](
			carrier.NewCarrierError(CarrierName, carrier.CodeRejected, err.Error()))
	}

	uniqueID := s.ID
	if uniqueID == "" {
		uniqueID = s.ClientOrderID
	}

	c.logger.Ctx(ctx).Info("Creating Freightcom shipment",
		zap.String("account_id", c.account.ID),
		zap.String("unique_id", uniqueID),
		zap.Int("service_id", serviceID),
	)

	resp, err := c.apiClient.CreateShipment(ctx, &ShipmentRequest{
		UniqueID:        uniqueID,
		PaymentMethodID: c.paymentMethodID,
		ServiceID:       serviceID,
		Details:         details,
		Reference:       s.Reference,
	})
	if err != nil {
		return carrier.Fail[*carrier.LabelResult](c.fail(ctx, span, "create_label", err))
	}
	if len(resp.TrackingNumbers) == 0 {
		return carrier.Fail[*carrier.LabelResult](
			carrier.NewCarrierError(CarrierName, carrier.CodeRejected, "shipment "+resp.ID+" booked without a tracking number"))
	}
	if resp.PreviouslyCreated {
		c.logger.Ctx(ctx).Warn("Freightcom returned an existing shipment", zap.String("unique_id", uniqueID))
	}

	tracking := resp.TrackingNumbers[0]
	out := &carrier.LabelResult{
		ShipmentID:        s.ID,
		ClientOrderID:     s.ClientOrderID,
		TrackingID:        tracking,
		CarrierShipmentID: resp.ID,
		TrackingURL:       resp.TrackingURL,
		Rate:              rate,
		CreatedAt:         time.Now().UTC(),
	}
	for _, l := range resp.Labels {
		out.Labels = append(out.Labels, carrier.Label{Format: labelFormat(l.Format), URL: l.URL, TrackingID: tracking})
	}
	if len(out.Labels) == 0 {
		out.Partial = true
		out.Warnings = append(out.Warnings, "label document not yet available")
	}
	if s.IsInternational() && resp.CustomsInvoiceURL == "" {
		out.Partial = true
		out.Warnings = append(out.Warnings, "customs invoice missing")
	}
	return carrier.Ok(out)
}

// CancelLabel voids the Freightcom shipment behind the label.
func (c *Client) CancelLabel(ctx context.Context, ref carrier.LabelRef) carrier.Result[*carrier.CancelResult] {
	ctx, span := c.tracer.Start(ctx, "freightcom.CancelLabel")
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.CancelResult](notInitialized())
	}
	if ref.CarrierShipmentID == "" {
		return carrier.Fail[*carrier.CancelResult](
			carrier.NewCarrierError(CarrierName, carrier.CodeRejected, "freightcom shipment id required to cancel"))
	}

	resp, err := c.apiClient.CancelShipment(ctx, ref.CarrierShipmentID)
	if err != nil {
		return carrier.Fail[*carrier.CancelResult](c.fail(ctx, span, "cancel", err))
	}
	return carrier.Ok(&carrier.CancelResult{
		TrackingID:         ref.TrackingID,
		Cancelled:          resp.Status == "cancelled",
		ConfirmationNumber: resp.ConfirmationNumber,
	})
}

// Track returns the shipment's tracking events.
func (c *Client) Track(ctx context.Context, ref carrier.LabelRef) carrier.Result[*carrier.TrackResult] {
	ctx, span := c.tracer.Start(ctx, "freightcom.Track")
	defer span.End()

	if c.apiClient == nil {
		return carrier.Fail[*carrier.TrackResult](notInitialized())
	}

	resp, err := c.apiClient.GetTracking(ctx, ref.CarrierShipmentID)
	if err != nil {
		return carrier.Fail[*carrier.TrackResult](c.fail(ctx, span, "track", err))
	}
	out := &carrier.TrackResult{TrackingID: ref.TrackingID, Status: trackingStatus(resp.Status)}
	for _, e := range resp.Events {
		ts, _ := time.Parse(time.RFC3339, e.Timestamp)
		out.Events = append(out.Events, carrier.TrackingEvent{
			Timestamp:   ts,
			Description: e.Description,
			Location:    e.Location,
			Status:      trackingStatus(e.Status),
		})
	}
	return carrier.Ok(out)
}

func (c *Client) fail(ctx context.Context, span trace.Span, op string, err error) *carrier.CarrierError {
	var ce *carrier.CarrierError
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Rejected() {
			ce = carrier.NewCarrierError(CarrierName, carrier.CodeRejected, apiErr.Message)
		} else {
			ce = carrier.FromHTTPStatus(CarrierName, apiErr.Status, apiErr.Message)
		}
		ce.WithCause(err)
	} else {
		ce = carrier.AsCarrierError(CarrierName, err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, ce.Code)
	c.logger.Ctx(ctx).Error("Freightcom API error",
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

func shipmentDetail(s *carrier.Shipment, international bool) (ShipmentDetail, error) {
	d := ShipmentDetail{
		Origin:      location(s.Sender),
		Destination: location(s.Recipient),
		Packaging:   Packaging{Type: "package"},
	}
	for _, p := range s.Packages {
		pkg, err := packageToAPI(p)
		if err != nil {
			return ShipmentDetail{}, err
		}
		d.Packaging.Packages = append(d.Packaging.Packages, pkg)
	}
	if international {
		d.Customs = &CustomsData{Currency: "CAD"}
		for i, p := range d.Packaging.Packages {
			v, _ := s.Packages[i].DeclaredValue.Float64()
			desc := p.Description
			if desc == "" {
				desc = "merchandise"
			}
			d.Customs.Items = append(d.Customs.Items, CustomsItem{Description: desc, Quantity: p.Quantity, Value: v, Weight: p.Weight})
		}
	}
	return d, nil
}

func location(a carrier.Address) Location {
	return Location{
		Name:        a.Name,
		Company:     a.Company,
		Address1:    a.Line1,
		Address2:    a.Line2,
		City:        a.City,
		Province:    a.ProvinceCode,
		PostalCode:  a.PostalCode,
		Country:     a.CountryCode,
		Phone:       a.Phone,
		Email:       a.Email,
		Residential: a.IsResidential,
	}
}

// packageToAPI converts a package to Freightcom's centimetres and kilograms.
func packageToAPI(p carrier.Package) (Package, error) {
	w, err := units.ConvertWeight(p.Weight, p.WeightUnit, units.WeightKG)
	if err != nil {
		return Package{}, err
	}
	dims := [3]float64{p.Length, p.Width, p.Height}
	for i, v := range dims {
		if dims[i], err = units.ConvertDimension(v, p.DimensionUnit, units.DimensionCM); err != nil {
			return Package{}, err
		}
	}
	return Package{
		Length:      dims[0],
		Width:       dims[1],
		Height:      dims[2],
		Weight:      w,
		Description: p.Description,
		Quantity:    p.Quantity(),
	}, nil
}

func labelFormat(format string) carrier.LabelFormat {
	switch format {
	case "png", "PNG":
		return carrier.LabelPNG
	case "zpl", "ZPL":
		return carrier.LabelZPL
	default:
		return carrier.LabelPDF
	}
}

func trackingStatus(status string) carrier.TrackingStatus {
	switch status {
	case "pending", "booked", "confirmed":
		return carrier.TrackingPending
	case "picked_up", "in_transit":
		return carrier.TrackingInTransit
	case "out_for_delivery":
		return carrier.TrackingOutForDelivery
	case "delivered":
		return carrier.TrackingDelivered
	case "exception", "error", "failed":
		return carrier.TrackingException
	default:
		return carrier.TrackingUnknown
	}
}

var (
	_ carrier.Adapter   = (*Client)(nil)
	_ carrier.Canceller = (*Client)(nil)
	_ carrier.Tracker   = (*Client)(nil)
)
