package canadapost

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockAPIClient is an in-memory APIClient. Each operation can be replaced
// with an On* hook; otherwise it answers with canned data and remembers
// created shipments so transmit and manifest retrieval line up.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnGetRates       func(ctx context.Context, req *RatesRequest) (*RatesResponse, error)
	OnCreateShipment func(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)
	OnVoidShipment   func(ctx context.Context, shipmentID string) error
	OnTransmit       func(ctx context.Context, req *TransmitRequest) (*TransmitResponse, error)
	OnGetTracking    func(ctx context.Context, pin string) (*TrackingResponse, error)

	mu        sync.Mutex
	shipments map[string]*mockShipment // by shipment id
	manifests map[string]*ManifestResponse
}

type mockShipment struct {
	resp        ShipmentResponse
	group       string
	voided      bool
	transmitted bool
}

// NewMockAPIClient creates a new mock API client with default behavior.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{
		shipments: make(map[string]*mockShipment),
		manifests: make(map[string]*ManifestResponse),
	}
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
		return &APIError{Status: 503, Code: "Server", Description: "simulated API error"}
	}
	return nil
}

// GetRates returns Regular Parcel and Expedited Parcel prices scaled by weight.
func (m *MockAPIClient) GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetRates != nil {
		return m.OnGetRates(ctx, req)
	}
	if req.Weight <= 0 {
		return nil, &APIError{Status: 400, Code: "9111", Description: "parcel weight must be greater than zero"}
	}

	switch strings.ToUpper(req.Country) {
	case "CA", "":
		return &RatesResponse{Rates: []Rate{
			{ServiceCode: "DOM.RP", ServiceName: "Regular Parcel", Due: round2(11.25 + 1.10*req.Weight), TransitDays: 4},
			{ServiceCode: "DOM.EP", ServiceName: "Expedited Parcel", Due: round2(14.80 + 1.45*req.Weight), TransitDays: 2},
		}}, nil
	case "US":
		return &RatesResponse{Rates: []Rate{
			{ServiceCode: "USA.EP", ServiceName: "Expedited Parcel USA", Due: round2(21.40 + 2.30*req.Weight), TransitDays: 5},
		}}, nil
	default:
		return &RatesResponse{Rates: []Rate{
			{ServiceCode: "INT.IP.SURF", ServiceName: "International Parcel Surface", Due: round2(38.00 + 4.10*req.Weight), TransitDays: 30},
		}}, nil
	}
}

// CreateShipment creates a mock shipment in the requested group.
func (m *MockAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, req)
	}

	id := uuid.NewString()[:12]
	pin := fmt.Sprintf("7023%012d", uuid.New().ID())
	resp := ShipmentResponse{
		ShipmentID:  id,
		TrackingPIN: pin,
		Status:      "created",
		LabelHref:   "https://ct.soa-gw.canadapost.ca/ers/artifact/mock/" + id + "/0",
	}
	if req.Customs != nil {
		resp.CustomsHref = "https://ct.soa-gw.canadapost.ca/ers/artifact/mock/" + id + "/1"
	}

	m.mu.Lock()
	m.shipments[id] = &mockShipment{resp: resp, group: req.GroupID}
	m.mu.Unlock()

	out := resp
	return &out, nil
}

// GetArtifact returns a tiny PDF document.
func (m *MockAPIClient) GetArtifact(ctx context.Context, href string) ([]byte, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	return []byte("%PDF-1.4\n% mock label " + href + "\n%%EOF\n"), nil
}

// VoidShipment voids a shipment that has not been transmitted.
func (m *MockAPIClient) VoidShipment(ctx context.Context, shipmentID string) error {
	if err := m.simulate(ctx); err != nil {
		return err
	}
	if m.OnVoidShipment != nil {
		return m.OnVoidShipment(ctx, shipmentID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[shipmentID]
	if !ok {
		return &APIError{Status: 404, Code: "8062", Description: "shipment not found"}
	}
	if s.transmitted {
		return &APIError{Status: 400, Code: "8064", Description: "shipment already transmitted"}
	}
	s.voided = true
	return nil
}

// Transmit manifests every live shipment of the given groups.
func (m *MockAPIClient) Transmit(ctx context.Context, req *TransmitRequest) (*TransmitResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnTransmit != nil {
		return m.OnTransmit(ctx, req)
	}

	groups := make(map[string]bool, len(req.GroupIDs))
	for _, g := range req.GroupIDs {
		groups[g] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	manifest := &ManifestResponse{ManifestID: "mf-" + uuid.NewString()[:8]}
	for _, s := range m.shipments {
		if !groups[s.group] || s.voided || s.transmitted {
			continue
		}
		s.transmitted = true
		manifest.PINs = append(manifest.PINs, s.resp.TrackingPIN)
	}
	if len(manifest.PINs) == 0 {
		return nil, &APIError{Status: 400, Code: "7291", Description: "no shipments to transmit"}
	}
	manifest.PONumber = "PO" + strings.ToUpper(manifest.ManifestID[3:])
	manifest.DocumentURL = "https://ct.soa-gw.canadapost.ca/ers/artifact/mock/" + manifest.ManifestID + "/0"
	m.manifests[manifest.ManifestID] = manifest
	return &TransmitResponse{ManifestIDs: []string{manifest.ManifestID}}, nil
}

// GetManifest returns a manifest created by Transmit.
func (m *MockAPIClient) GetManifest(ctx context.Context, manifestID string) (*ManifestResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mf, ok := m.manifests[manifestID]
	if !ok {
		return nil, &APIError{Status: 404, Code: "7300", Description: "manifest not found"}
	}
	out := *mf
	out.PINs = append([]string(nil), mf.PINs...)
	return &out, nil
}

// GetTracking returns an in-transit summary.
func (m *MockAPIClient) GetTracking(ctx context.Context, pin string) (*TrackingResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetTracking != nil {
		return m.OnGetTracking(ctx, pin)
	}
	return &TrackingResponse{
		PIN:              pin,
		EventType:        "INDUCTION",
		EventDescription: "Item processed",
		EventDateTime:    time.Now().UTC().Format(time.RFC3339),
		EventLocation:    "MISSISSAUGA, ON",
	}, nil
}

func round2(v float64) float64 { return float64(int64(v*100+0.5)) / 100 }

var _ APIClient = (*MockAPIClient)(nil)
