package freightcom

import (
	"context"
	"fmt"
	"net/http"
	"sort"
)

// APIClient defines the Freightcom REST operations the adapter uses.
// The HTTP implementation talks to the real API; MockAPIClient is used in
// tests and in mock mode.
type APIClient interface {
	// GetRates submits a rate request and waits for the asynchronous result.
	GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error)

	// CreateShipment books a shipment. UniqueID makes repeated bookings
	// return the first shipment instead of creating another.
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)

	// CancelShipment voids a booked shipment.
	CancelShipment(ctx context.Context, shipmentID string) (*CancelResponse, error)

	// GetTracking returns tracking events for a booked shipment.
	GetTracking(ctx context.Context, shipmentID string) (*TrackingResponse, error)
}

// RatesRequest is the body of POST /rate.
type RatesRequest struct {
	Services []int          `json:"services,omitempty"`
	Details  ShipmentDetail `json:"details"`
}

// ShipmentDetail describes what moves where.
type ShipmentDetail struct {
	Origin      Location     `json:"origin"`
	Destination Location     `json:"destination"`
	Packaging   Packaging    `json:"packaging"`
	Customs     *CustomsData `json:"customs_data,omitempty"`
}

// Location is an origin or destination address.
type Location struct {
	Name        string `json:"name,omitempty"`
	Company     string `json:"company,omitempty"`
	Address1    string `json:"address_1"`
	Address2    string `json:"address_2,omitempty"`
	City        string `json:"city"`
	Province    string `json:"province"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	Residential bool   `json:"residential,omitempty"`
}

// Packaging lists the parcels of a shipment.
type Packaging struct {
	Type     string    `json:"type"`
	Packages []Package `json:"packages"`
}

// Package is one parcel line, in centimetres and kilograms.
type Package struct {
	Length      float64 `json:"length"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
}

// CustomsData accompanies cross-border rate and shipment requests.
type CustomsData struct {
	Currency string        `json:"currency"`
	Items    []CustomsItem `json:"items"`
}

// CustomsItem is one declared line.
type CustomsItem struct {
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	Value       float64 `json:"value"`
	Weight      float64 `json:"weight"`
}

// RatesResponse is the body of GET /rate/{request_id}.
type RatesResponse struct {
	RequestID string   `json:"request_id"`
	Status    string   `json:"status"` // pending, complete, error
	Rates     []Rate   `json:"rates,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Rate is one priced service.
type Rate struct {
	ID          string  `json:"id"`
	ServiceID   int     `json:"service_id"`
	ServiceCode string  `json:"service_code"`
	ServiceName string  `json:"service_name"`
	TotalPrice  float64 `json:"total_price"`
	Currency    string  `json:"currency"`
	TransitDays int     `json:"transit_days"`
}

// ShipmentRequest is the body of POST /shipment.
type ShipmentRequest struct {
	UniqueID        string         `json:"unique_id"`
	PaymentMethodID int            `json:"payment_method_id"`
	ServiceID       int            `json:"service_id"`
	Details         ShipmentDetail `json:"details"`
	Reference       string         `json:"reference,omitempty"`
}

// ShipmentResponse describes a booked shipment.
type ShipmentResponse struct {
	ID                string   `json:"id"`
	PreviouslyCreated bool     `json:"previously_created"`
	Status            string   `json:"status"`
	TrackingNumbers   []string `json:"tracking_numbers"`
	TrackingURL       string   `json:"tracking_url,omitempty"`
	Labels            []Label  `json:"labels,omitempty"`
	CustomsInvoiceURL string   `json:"customs_invoice_url,omitempty"`
}

// Label is a label document.
type Label struct {
	Size   string `json:"size"`
	Format string `json:"format"`
	URL    string `json:"url"`
}

// CancelResponse is the body of DELETE /shipment/{id}.
type CancelResponse struct {
	ShipmentID         string `json:"shipment_id"`
	Status             string `json:"status"`
	ConfirmationNumber string `json:"confirmation_number,omitempty"`
}

// TrackingResponse is the body of GET /shipment/{id}/tracking-events.
type TrackingResponse struct {
	ShipmentID string          `json:"shipment_id"`
	Status     string          `json:"status"`
	Events     []TrackingEvent `json:"events"`
}

// TrackingEvent is a single scan.
type TrackingEvent struct {
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Status      string `json:"status"`
}

// APIError is an error reported by the Freightcom API. Status is the HTTP
// status, or zero when the error was reported in a 200 body.
type APIError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Rejected reports whether the API refused the request content, as opposed
// to failing to process it.
func (e *APIError) Rejected() bool {
	switch e.Status {
	case 0, http.StatusBadRequest, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Messages flattens the error into user-facing lines, one per invalid field.
func (e *APIError) Messages() []string {
	if len(e.Fields) == 0 {
		return []string{e.Message}
	}
	out := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		out = append(out, field+": "+msg)
	}
	sort.Strings(out)
	return out
}
