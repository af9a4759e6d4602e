// Package storage defines the durable records and store contracts the
// fulfillment core depends on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/internal/customservice"
	"github.com/tournevent/shipgate/internal/fee"
	"github.com/tournevent/shipgate/internal/pricetable"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/tournevent/shipgate/pkg/units"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap update lost a race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrImmutable is returned when a write would change a fulfilled shipment's
	// rate or tracking id, or an existing billing record.
	ErrImmutable = errors.New("record is immutable")
	// ErrInvalidTransition is returned for a disallowed shipment status change.
	ErrInvalidTransition = errors.New("invalid shipment status transition")
)

// ServiceDefinition is a carrier service an account may use, with the
// carrier's parcel limits. A zero limit is unlimited.
type ServiceDefinition struct {
	Key           string              `json:"key,omitempty"`
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	MaxWeight     float64             `json:"maxWeight,omitempty"`
	WeightUnit    units.WeightUnit    `json:"weightUnit,omitempty"`
	MaxLength     float64             `json:"maxLength,omitempty"`
	DimensionUnit units.DimensionUnit `json:"dimensionUnit,omitempty"`
}

// Account is a merchant's channel on one carrier.
type Account struct {
	ID                    string
	MerchantID            string
	Carrier               string
	BillingType           fee.BillingType
	Fee                   decimal.Decimal // amount, or percentage for proportion billing
	FeeBasis              fee.Basis
	FeeWeightUnit         units.WeightUnit
	UsesThirdpartyPricing bool
	ValidateAddresses     bool
	IsTest                bool
	Facility              string
	Currency              string
	Services              []ServiceDefinition
	CredentialsRef        string
	Settings              map[string]string
}

// CarrierConfig returns the part of the account an adapter sees.
func (a *Account) CarrierConfig() carrier.AccountConfig {
	return carrier.AccountConfig{
		ID:             a.ID,
		MerchantID:     a.MerchantID,
		Carrier:        a.Carrier,
		CredentialsRef: a.CredentialsRef,
		Facility:       a.Facility,
		Settings:       a.Settings,
	}
}

// FeeRate returns the account's markup rule.
func (a *Account) FeeRate() fee.Rate {
	return fee.AccountRate(a.BillingType, a.Fee, a.FeeBasis, a.FeeWeightUnit)
}

// Service looks up a service definition by id.
func (a *Account) Service(id string) (ServiceDefinition, bool) {
	for _, s := range a.Services {
		if s.ID == id {
			return s, true
		}
	}
	return ServiceDefinition{}, false
}

// ShipmentStatus is the lifecycle state of a shipment.
type ShipmentStatus string

const (
	StatusPending   ShipmentStatus = "pending"
	StatusFulfilled ShipmentStatus = "fulfilled"
	StatusCancelled ShipmentStatus = "cancelled"
)

// LabelIssued reports whether a carrier label was bought for the shipment.
func (s ShipmentStatus) LabelIssued() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

// CanTransition reports whether a shipment may move from s to next.
func (s ShipmentStatus) CanTransition(next ShipmentStatus) bool {
	switch {
	case s == next:
		return true
	case s == StatusPending && next == StatusFulfilled:
		return true
	case s == StatusFulfilled && next == StatusCancelled:
		return true
	}
	return false
}

// Shipment is one persisted fulfillment attempt.
type Shipment struct {
	ID                string
	MerchantID        string
	MerchantCode      string
	ClientOrderID     string
	AccountID         string
	Carrier           string
	Service           carrier.Service
	Sender            carrier.Address
	Recipient         carrier.Address
	Packages          []carrier.Package
	Reference         string
	Rate              carrier.Rate
	Status            ShipmentStatus
	TrackingID        string
	CarrierShipmentID string
	Labels            []carrier.Label
	Manifested        bool
	ManifestID        string
	LastError         string
	IsTest            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LabelRef identifies the shipment's label to its carrier.
func (s *Shipment) LabelRef() carrier.LabelRef {
	return carrier.LabelRef{TrackingID: s.TrackingID, CarrierShipmentID: s.CarrierShipmentID}
}

// LabelResult rebuilds the label response of a fulfilled shipment.
func (s *Shipment) LabelResult() *carrier.LabelResult {
	return &carrier.LabelResult{
		ShipmentID:        s.ID,
		ClientOrderID:     s.ClientOrderID,
		TrackingID:        s.TrackingID,
		CarrierShipmentID: s.CarrierShipmentID,
		Labels:            s.Labels,
		Rate:              s.Rate,
		CreatedAt:         s.UpdatedAt,
	}
}

// CheckUpdate validates that next is an allowed successor of s.
func (s *Shipment) CheckUpdate(next *Shipment) error {
	if !s.Status.CanTransition(next.Status) {
		return ErrInvalidTransition
	}
	if s.Status == StatusPending {
		return nil
	}
	if s.TrackingID != next.TrackingID || !s.Rate.Total.Equal(next.Rate.Total) ||
		!s.Rate.Amount.Equal(next.Rate.Amount) || s.Rate.ServiceID != next.Rate.ServiceID {
		return ErrImmutable
	}
	return nil
}

// Billing is the charge record for one non-test fulfilled shipment.
type Billing struct {
	ID           string
	MerchantID   string
	ShipmentID   string
	ShippingCost decimal.Decimal
	FeeAmount    decimal.Decimal
	FeeBasis     fee.Basis
	Total        decimal.Decimal
	BalanceAfter decimal.Decimal
	Currency     string
	CreatedAt    time.Time
}

// Balance is a merchant's prepaid balance. Version is the optimistic
// concurrency token.
type Balance struct {
	MerchantID     string
	Balance        decimal.Decimal
	Deposit        decimal.Decimal
	MinimumBalance decimal.Decimal
	Currency       string
	Version        int64
	UpdatedAt      time.Time
}

// AccountStore reads and writes carrier accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context, merchantID string) ([]Account, error)
	PutAccount(ctx context.Context, a *Account) error
}

// ShipmentStore reads and writes shipments.
type ShipmentStore interface {
	CreateShipment(ctx context.Context, s *Shipment) error
	GetShipment(ctx context.Context, id string) (*Shipment, error)
	// UpdateShipment fails with ErrImmutable or ErrInvalidTransition per
	// Shipment.CheckUpdate.
	UpdateShipment(ctx context.Context, s *Shipment) error
	// FindFulfilled returns the shipment whose label was issued for a
	// merchant's client order id, including one cancelled since, or ErrNotFound.
	FindFulfilled(ctx context.Context, merchantID, clientOrderID string) (*Shipment, error)
	ListUnmanifested(ctx context.Context, accountID string) ([]Shipment, error)
	// MarkManifested flags the account's fulfilled shipments with the given
	// tracking ids and returns how many changed.
	MarkManifested(ctx context.Context, accountID, manifestID string, trackingIDs []string) (int, error)
}

// BillingStore reads billing records. Records are only written through Fulfiller.
type BillingStore interface {
	GetBillingByShipment(ctx context.Context, shipmentID string) (*Billing, error)
	ListBillings(ctx context.Context, merchantID string) ([]Billing, error)
}

// PriceTableStore reads and writes thirdparty price tables.
type PriceTableStore interface {
	// ListPriceTables returns the tables for a carrier service in a stable order.
	ListPriceTables(ctx context.Context, carrierName, serviceID string) ([]pricetable.Table, error)
	// PutPriceTable validates and stores a table.
	PutPriceTable(ctx context.Context, t *pricetable.Table) error
}

// CustomServiceStore reads and writes custom service documents.
type CustomServiceStore interface {
	GetCustomService(ctx context.Context, merchantID, carrierName string) (*customservice.CustomService, error)
	// PutCustomService validates and stores a document.
	PutCustomService(ctx context.Context, merchantID string, cs *customservice.CustomService) error
}

// BalanceStore reads and writes merchant balances.
type BalanceStore interface {
	GetBalance(ctx context.Context, merchantID string) (*Balance, error)
	// UpdateBalance writes b if the stored version equals b.Version, then
	// increments b.Version. Otherwise it returns ErrVersionConflict.
	UpdateBalance(ctx context.Context, b *Balance) error
	// PutBalance creates or replaces a balance unconditionally.
	PutBalance(ctx context.Context, b *Balance) error
}

// CredentialStore resolves carrier credential references.
type CredentialStore interface {
	Credentials(ctx context.Context, ref string) (map[string]string, error)
	PutCredentials(ctx context.Context, ref string, creds map[string]string) error
}

// Fulfiller commits the end of a successful fulfillment atomically.
type Fulfiller interface {
	// CompleteFulfillment stores s as fulfilled and inserts billing (nil for
	// test shipments) in one transaction. A second billing for the same
	// shipment fails with ErrImmutable.
	CompleteFulfillment(ctx context.Context, s *Shipment, billing *Billing) error
}

// Store is every store the service needs.
type Store interface {
	AccountStore
	ShipmentStore
	BillingStore
	PriceTableStore
	CustomServiceStore
	BalanceStore
	CredentialStore
	Fulfiller
}
