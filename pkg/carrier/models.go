package carrier

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/pkg/units"
)

// TrackingStatus represents the normalized status of a shipment in transit.
type TrackingStatus string

const (
	TrackingPending        TrackingStatus = "pending"
	TrackingInTransit      TrackingStatus = "in_transit"
	TrackingOutForDelivery TrackingStatus = "out_for_delivery"
	TrackingDelivered      TrackingStatus = "delivered"
	TrackingException      TrackingStatus = "exception"
	TrackingUnknown        TrackingStatus = "unknown"
)

// LabelFormat represents the format of shipping labels.
type LabelFormat string

const (
	LabelPDF LabelFormat = "pdf"
	LabelPNG LabelFormat = "png"
	LabelZPL LabelFormat = "zpl"
)

// Address represents a shipping address.
type Address struct {
	Name          string `json:"name"`
	Company       string `json:"company,omitempty"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	ProvinceCode  string `json:"provinceCode,omitempty"`
	PostalCode    string `json:"postalCode"`
	CountryCode   string `json:"countryCode"` // ISO 3166-1 alpha-2
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	IsResidential bool   `json:"isResidential,omitempty"`
}

// Package represents one or more identical parcels.
type Package struct {
	Length        float64             `json:"length"`
	Width         float64             `json:"width"`
	Height        float64             `json:"height"`
	DimensionUnit units.DimensionUnit `json:"dimensionUnit,omitempty"`
	Weight        float64             `json:"weight"`
	WeightUnit    units.WeightUnit    `json:"weightUnit,omitempty"`
	Count         int                 `json:"count,omitempty"` // 0 means 1
	Description   string              `json:"description,omitempty"`
	DeclaredValue decimal.Decimal     `json:"declaredValue"`
}

// Quantity returns the number of parcels this package line stands for.
func (p Package) Quantity() int {
	if p.Count <= 0 {
		return 1
	}
	return p.Count
}

// Service identifies a carrier service.
type Service struct {
	Key  string `json:"key,omitempty"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Shipment is the carrier-facing view of one fulfillment attempt.
type Shipment struct {
	ID            string    `json:"id,omitempty"`
	ClientOrderID string    `json:"clientOrderId"`
	Carrier       string    `json:"carrier,omitempty"`
	Service       Service   `json:"service"`
	Sender        Address   `json:"sender"`
	Recipient     Address   `json:"recipient"`
	Packages      []Package `json:"packages"`
	Reference     string    `json:"reference,omitempty"`
	IsTest        bool      `json:"isTest,omitempty"`
}

// WeightUnit returns the unit the shipment's weights are expressed in: the
// first package's unit, or kilograms.
func (s *Shipment) WeightUnit() units.WeightUnit {
	for _, p := range s.Packages {
		if p.WeightUnit != "" {
			return p.WeightUnit
		}
	}
	return units.WeightKG
}

// TotalWeight sums every parcel's weight converted to unit.
func (s *Shipment) TotalWeight(unit units.WeightUnit) (float64, error) {
	var total float64
	for _, p := range s.Packages {
		w, err := units.ConvertWeight(p.Weight, p.WeightUnit, unit)
		if err != nil {
			return 0, err
		}
		total += w * float64(p.Quantity())
	}
	return total, nil
}

// PackageCount returns the number of parcels in the shipment.
func (s *Shipment) PackageCount() int {
	n := 0
	for _, p := range s.Packages {
		n += p.Quantity()
	}
	return n
}

// IsInternational reports whether origin and destination countries differ.
func (s *Shipment) IsInternational() bool {
	return !strings.EqualFold(s.Sender.CountryCode, s.Recipient.CountryCode)
}

// Rate represents a priced shipping option.
type Rate struct {
	RateID       string          `json:"rateId,omitempty"`
	Carrier      string          `json:"carrier"`
	ServiceID    string          `json:"serviceId"`
	ServiceName  string          `json:"serviceName,omitempty"`
	Amount       decimal.Decimal `json:"amount"` // carrier or price-table amount
	Fee          decimal.Decimal `json:"fee"`    // platform markup
	Total        decimal.Decimal `json:"total"`  // round2(Amount + Fee)
	Currency     string          `json:"currency"`
	TransitDays  int             `json:"transitDays,omitempty"`
	IsTest       bool            `json:"isTest,omitempty"`
	Thirdparty   bool            `json:"thirdparty,omitempty"`
	AccountID    string          `json:"accountId,omitempty"`
	PriceTableID string          `json:"priceTableId,omitempty"`
}

// QuoteResult carries quoted rates and carrier-side validation messages.
type QuoteResult struct {
	Rates  []Rate
	Errors []string
}

// Label represents a shipping label artifact.
type Label struct {
	Format     LabelFormat `json:"format"`
	Data       string      `json:"data,omitempty"` // Base64 encoded if inline
	URL        string      `json:"url,omitempty"`  // URL if hosted
	TrackingID string      `json:"trackingId,omitempty"`
}

// LabelResult is the outcome of label creation. Partial is set when the
// label exists but a side artifact (e.g. a customs form) is missing.
type LabelResult struct {
	ShipmentID        string    `json:"shipmentId,omitempty"`
	ClientOrderID     string    `json:"clientOrderId,omitempty"`
	TrackingID        string    `json:"trackingId"`
	CarrierShipmentID string    `json:"carrierShipmentId,omitempty"`
	TrackingURL       string    `json:"trackingUrl,omitempty"`
	Labels            []Label   `json:"labels"`
	Rate              Rate      `json:"rate"`
	Partial           bool      `json:"partial,omitempty"`
	Warnings          []string  `json:"warnings,omitempty"`
	Duplicate         bool      `json:"duplicate,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ManifestRequest asks the carrier to close out a batch of labels.
type ManifestRequest struct {
	TrackingIDs []string
	Facility    string
	ShipDate    time.Time
}

// ManifestResult describes a carrier-side manifest.
type ManifestResult struct {
	ManifestID  string    `json:"manifestId"`
	TrackingIDs []string  `json:"trackingIds"`
	DocumentURL string    `json:"documentUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CancelResult is the outcome of voiding a label.
type CancelResult struct {
	TrackingID         string `json:"trackingId"`
	Cancelled          bool   `json:"cancelled"`
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
}

// TrackingEvent represents a tracking event.
type TrackingEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	Location    string         `json:"location,omitempty"`
	Status      TrackingStatus `json:"status"`
}

// TrackResult carries the current status and event history of a label.
type TrackResult struct {
	TrackingID string          `json:"trackingId"`
	Status     TrackingStatus  `json:"status"`
	Events     []TrackingEvent `json:"events"`
}

// AddressValidation is the carrier's verdict on an address.
type AddressValidation struct {
	Valid     bool
	Messages  []string
	Suggested *Address
}

// AccountConfig is the carrier-facing slice of a merchant's carrier account.
type AccountConfig struct {
	ID             string
	MerchantID     string
	Carrier        string
	CredentialsRef string
	Facility       string
	Settings       map[string]string
}
