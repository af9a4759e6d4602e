package canadapost

import (
	"context"
	"fmt"
	"net/http"
)

// APIClient defines the Canada Post web service operations the adapter uses.
type APIClient interface {
	// GetRates prices one parcel for every available service.
	GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error)

	// CreateShipment creates a shipment in a group and returns its label links.
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)

	// GetArtifact downloads a label document.
	GetArtifact(ctx context.Context, href string) ([]byte, error)

	// VoidShipment voids a shipment that has not been transmitted.
	VoidShipment(ctx context.Context, shipmentID string) error

	// Transmit closes out groups of shipments and returns the manifests created.
	Transmit(ctx context.Context, req *TransmitRequest) (*TransmitResponse, error)

	// GetManifest returns a manifest and the parcels it covers.
	GetManifest(ctx context.Context, manifestID string) (*ManifestResponse, error)

	// GetTracking retrieves the tracking summary of a PIN.
	GetTracking(ctx context.Context, pin string) (*TrackingResponse, error)
}

// RatesRequest prices one parcel, in kilograms and centimetres.
type RatesRequest struct {
	CustomerNumber string
	ContractID     string
	OriginPostal   string
	Weight         float64
	Length         float64
	Width          float64
	Height         float64
	Country        string // destination ISO code
	PostalCode     string // destination postal or zip code
}

// RatesResponse lists the priced services.
type RatesResponse struct {
	Rates []Rate
}

// Rate is one priced service.
type Rate struct {
	ServiceCode string
	ServiceName string
	Due         float64
	TransitDays int
}

// Address is a Canada Post address.
type Address struct {
	Name         string
	Company      string
	Phone        string
	AddressLine1 string
	AddressLine2 string
	City         string
	Province     string
	PostalCode   string
	CountryCode  string
}

// ShipmentRequest creates one single-parcel shipment.
type ShipmentRequest struct {
	GroupID      string
	ServiceCode  string
	OriginPostal string
	Sender       Address
	Destination  Address
	Weight       float64
	Length       float64
	Width        float64
	Height       float64
	Reference    string
	Customs      *Customs
}

// Customs is the customs declaration for a cross-border shipment.
type Customs struct {
	Currency string
	Value    float64
}

// ShipmentResponse describes a created shipment.
type ShipmentResponse struct {
	ShipmentID  string
	TrackingPIN string
	Status      string
	LabelHref   string
	CustomsHref string
}

// TransmitRequest closes out shipment groups.
type TransmitRequest struct {
	GroupIDs     []string
	OriginPostal string
	ShippingDate string // YYYY-MM-DD
}

// TransmitResponse lists the manifests produced by a transmit.
type TransmitResponse struct {
	ManifestIDs []string
}

// ManifestResponse is a manifest with the PINs it covers.
type ManifestResponse struct {
	ManifestID  string
	PONumber    string
	DocumentURL string
	PINs        []string
}

// TrackingResponse is the tracking summary of a PIN.
type TrackingResponse struct {
	PIN              string
	EventType        string
	EventDescription string
	EventDateTime    string
	EventLocation    string
}

// APIError is an error message returned by Canada Post.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Rejected reports whether Canada Post refused the request content.
func (e *APIError) Rejected() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity
}
