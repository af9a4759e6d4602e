package freightcom

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockAPIClient is an in-memory APIClient. Each operation can be replaced
// with an On* hook; otherwise it answers with canned data. Bookings are
// deduplicated on UniqueID the way the real API does.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnGetRates       func(ctx context.Context, req *RatesRequest) (*RatesResponse, error)
	OnCreateShipment func(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)
	OnCancelShipment func(ctx context.Context, shipmentID string) (*CancelResponse, error)
	OnGetTracking    func(ctx context.Context, shipmentID string) (*TrackingResponse, error)

	mu     sync.Mutex
	booked map[string]*ShipmentResponse
}

// NewMockAPIClient creates a new mock API client with default behavior.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{booked: make(map[string]*ShipmentResponse)}
}

func (m *MockAPIClient) simulate(ctx context.Context) error {
	if m.SimulateLatency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.SimulateLatency):
		}
	}
	if m.SimulateErrors {
		return &APIError{Status: 503, Code: "MOCK_ERROR", Message: "simulated API error"}
	}
	return nil
}

// GetRates returns two FedEx services priced in CAD.
func (m *MockAPIClient) GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetRates != nil {
		return m.OnGetRates(ctx, req)
	}

	rates := []Rate{
		{ID: "rate-101", ServiceID: 101, ServiceCode: "FEDEX_GROUND", ServiceName: "FedEx Ground", TotalPrice: 20.24, Currency: "CAD", TransitDays: 3},
		{ID: "rate-102", ServiceID: 102, ServiceCode: "FEDEX_EXPRESS_SAVER", ServiceName: "FedEx Express Saver", TotalPrice: 36.69, Currency: "CAD", TransitDays: 2},
	}
	if len(req.Services) > 0 {
		var filtered []Rate
		for _, r := range rates {
			for _, id := range req.Services {
				if r.ServiceID == id {
					filtered = append(filtered, r)
				}
			}
		}
		rates = filtered
	}
	return &RatesResponse{RequestID: "fc-req-" + uuid.NewString()[:8], Status: "complete", Rates: rates}, nil
}

// CreateShipment books a mock shipment, returning the earlier booking for a
// repeated UniqueID.
func (m *MockAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.booked[req.UniqueID]; ok {
		again := *prev
		again.PreviouslyCreated = true
		return &again, nil
	}

	id := "fc-ship-" + uuid.NewString()[:8]
	tracking := "FC" + uuid.NewString()[:10]
	resp := &ShipmentResponse{
		ID:              id,
		Status:          "booked",
		TrackingNumbers: []string{tracking},
		TrackingURL:     "https://track.freightcom.mock/" + tracking,
		Labels:          []Label{{Size: "4x6", Format: "pdf", URL: "https://labels.freightcom.mock/" + id + ".pdf"}},
	}
	m.booked[req.UniqueID] = resp
	return resp, nil
}

// CancelShipment cancels a mock shipment.
func (m *MockAPIClient) CancelShipment(ctx context.Context, shipmentID string) (*CancelResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnCancelShipment != nil {
		return m.OnCancelShipment(ctx, shipmentID)
	}
	return &CancelResponse{ShipmentID: shipmentID, Status: "cancelled", ConfirmationNumber: "FC-CANCEL-" + shipmentID}, nil
}

// GetTracking returns one in-transit event.
func (m *MockAPIClient) GetTracking(ctx context.Context, shipmentID string) (*TrackingResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetTracking != nil {
		return m.OnGetTracking(ctx, shipmentID)
	}
	return &TrackingResponse{
		ShipmentID: shipmentID,
		Status:     "in_transit",
		Events: []TrackingEvent{{
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Description: "Departed facility",
			Location:    "Toronto, ON",
			Status:      "in_transit",
		}},
	}, nil
}

var _ APIClient = (*MockAPIClient)(nil)
