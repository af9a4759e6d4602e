// Package memory is an in-process implementation of the storage contracts,
// used by tests and local development.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tournevent/shipgate/internal/customservice"
	"github.com/tournevent/shipgate/internal/pricetable"
	"github.com/tournevent/shipgate/internal/storage"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu             sync.RWMutex
	accounts       map[string]storage.Account
	shipments      map[string]storage.Shipment
	billings       map[string]storage.Billing // by shipment id
	tables         []pricetable.Table
	customServices map[string]customservice.CustomService // merchant/carrier
	balances       map[string]storage.Balance
	credentials    map[string]map[string]string

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:       make(map[string]storage.Account),
		shipments:      make(map[string]storage.Shipment),
		billings:       make(map[string]storage.Billing),
		customServices: make(map[string]customservice.CustomService),
		balances:       make(map[string]storage.Balance),
		credentials:    make(map[string]map[string]string),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func cloneShipment(s storage.Shipment) storage.Shipment {
	s.Packages = slices.Clone(s.Packages)
	s.Labels = slices.Clone(s.Labels)
	return s
}

func cloneAccount(a storage.Account) storage.Account {
	a.Services = slices.Clone(a.Services)
	a.Settings = maps.Clone(a.Settings)
	return a
}

// GetAccount implements storage.AccountStore.
func (s *Store) GetAccount(_ context.Context, id string) (*storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	a = cloneAccount(a)
	return &a, nil
}

// ListAccounts implements storage.AccountStore. Accounts are ordered by id.
func (s *Store) ListAccounts(_ context.Context, merchantID string) ([]storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Account
	for _, a := range s.accounts {
		if a.MerchantID == merchantID {
			out = append(out, cloneAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutAccount implements storage.AccountStore.
func (s *Store) PutAccount(_ context.Context, a *storage.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = cloneAccount(*a)
	return nil
}

// CreateShipment implements storage.ShipmentStore.
func (s *Store) CreateShipment(_ context.Context, sh *storage.Shipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shipments[sh.ID]; ok {
		return fmt.Errorf("shipment %s already exists", sh.ID)
	}
	now := s.now()
	if sh.CreatedAt.IsZero() {
		sh.CreatedAt = now
	}
	sh.UpdatedAt = now
	s.shipments[sh.ID] = cloneShipment(*sh)
	return nil
}

// GetShipment implements storage.ShipmentStore.
func (s *Store) GetShipment(_ context.Context, id string) (*storage.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shipments[id]
	if !ok {
		return nil, fmt.Errorf("shipment %s: %w", id, storage.ErrNotFound)
	}
	sh = cloneShipment(sh)
	return &sh, nil
}

// UpdateShipment implements storage.ShipmentStore.
func (s *Store) UpdateShipment(_ context.Context, sh *storage.Shipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateShipmentLocked(sh)
}

func (s *Store) updateShipmentLocked(sh *storage.Shipment) error {
	cur, ok := s.shipments[sh.ID]
	if !ok {
		return fmt.Errorf("shipment %s: %w", sh.ID, storage.ErrNotFound)
	}
	if err := cur.CheckUpdate(sh); err != nil {
		return fmt.Errorf("shipment %s: %w", sh.ID, err)
	}
	sh.CreatedAt = cur.CreatedAt
	sh.UpdatedAt = s.now()
	s.shipments[sh.ID] = cloneShipment(*sh)
	return nil
}

// FindFulfilled implements storage.ShipmentStore.
func (s *Store) FindFulfilled(_ context.Context, merchantID, clientOrderID string) (*storage.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sh := range s.shipments {
		if sh.MerchantID == merchantID && sh.ClientOrderID == clientOrderID && sh.Status.LabelIssued() {
			sh = cloneShipment(sh)
			return &sh, nil
		}
	}
	return nil, fmt.Errorf("fulfilled shipment %s/%s: %w", merchantID, clientOrderID, storage.ErrNotFound)
}

// ListUnmanifested implements storage.ShipmentStore.
func (s *Store) ListUnmanifested(_ context.Context, accountID string) ([]storage.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Shipment
	for _, sh := range s.shipments {
		if sh.AccountID == accountID && sh.Status == storage.StatusFulfilled && !sh.Manifested {
			out = append(out, cloneShipment(sh))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkManifested implements storage.ShipmentStore.
func (s *Store) MarkManifested(_ context.Context, accountID, manifestID string, trackingIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sh := range s.shipments {
		if sh.AccountID != accountID || sh.Status != storage.StatusFulfilled || sh.Manifested {
			continue
		}
		if !slices.Contains(trackingIDs, sh.TrackingID) {
			continue
		}
		sh.Manifested = true
		sh.ManifestID = manifestID
		sh.UpdatedAt = s.now()
		s.shipments[id] = sh
		n++
	}
	return n, nil
}

// GetBillingByShipment implements storage.BillingStore.
func (s *Store) GetBillingByShipment(_ context.Context, shipmentID string) (*storage.Billing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.billings[shipmentID]
	if !ok {
		return nil, fmt.Errorf("billing for shipment %s: %w", shipmentID, storage.ErrNotFound)
	}
	return &b, nil
}

// ListBillings implements storage.BillingStore. Records are ordered by creation time.
func (s *Store) ListBillings(_ context.Context, merchantID string) ([]storage.Billing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Billing
	for _, b := range s.billings {
		if b.MerchantID == merchantID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListPriceTables implements storage.PriceTableStore.
func (s *Store) ListPriceTables(_ context.Context, carrierName, serviceID string) ([]pricetable.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pricetable.Table
	for _, t := range s.tables {
		if t.Carrier == carrierName && t.ServiceID == serviceID {
			out = append(out, t)
		}
	}
	return out, nil
}

// PutPriceTable implements storage.PriceTableStore. Tables keep insertion order.
func (s *Store) PutPriceTable(_ context.Context, t *pricetable.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tables {
		if s.tables[i].ID == t.ID {
			s.tables[i] = *t
			return nil
		}
	}
	s.tables = append(s.tables, *t)
	return nil
}

func customServiceKey(merchantID, carrierName string) string {
	return merchantID + "/" + carrierName
}

// GetCustomService implements storage.CustomServiceStore.
func (s *Store) GetCustomService(_ context.Context, merchantID, carrierName string) (*customservice.CustomService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.customServices[customServiceKey(merchantID, carrierName)]
	if !ok {
		return nil, fmt.Errorf("custom service %s/%s: %w", merchantID, carrierName, storage.ErrNotFound)
	}
	cs.Candidates = slices.Clone(cs.Candidates)
	return &cs, nil
}

// PutCustomService implements storage.CustomServiceStore.
func (s *Store) PutCustomService(_ context.Context, merchantID string, cs *customservice.CustomService) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cs
	c.Candidates = slices.Clone(cs.Candidates)
	s.customServices[customServiceKey(merchantID, cs.Carrier)] = c
	return nil
}

// GetBalance implements storage.BalanceStore.
func (s *Store) GetBalance(_ context.Context, merchantID string) (*storage.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[merchantID]
	if !ok {
		return nil, fmt.Errorf("balance %s: %w", merchantID, storage.ErrNotFound)
	}
	return &b, nil
}

// UpdateBalance implements storage.BalanceStore.
func (s *Store) UpdateBalance(_ context.Context, b *storage.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.balances[b.MerchantID]
	if !ok {
		return fmt.Errorf("balance %s: %w", b.MerchantID, storage.ErrNotFound)
	}
	if cur.Version != b.Version {
		return fmt.Errorf("balance %s at version %d: %w", b.MerchantID, b.Version, storage.ErrVersionConflict)
	}
	b.Version++
	b.UpdatedAt = s.now()
	s.balances[b.MerchantID] = *b
	return nil
}

// PutBalance implements storage.BalanceStore.
func (s *Store) PutBalance(_ context.Context, b *storage.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.UpdatedAt = s.now()
	s.balances[b.MerchantID] = *b
	return nil
}

// Credentials implements storage.CredentialStore.
func (s *Store) Credentials(_ context.Context, ref string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[ref]
	if !ok {
		return nil, fmt.Errorf("credentials %s: %w", ref, storage.ErrNotFound)
	}
	return maps.Clone(c), nil
}

// PutCredentials implements storage.CredentialStore.
func (s *Store) PutCredentials(_ context.Context, ref string, creds map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[ref] = maps.Clone(creds)
	return nil
}

// CompleteFulfillment implements storage.Fulfiller.
func (s *Store) CompleteFulfillment(_ context.Context, sh *storage.Shipment, billing *storage.Billing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if billing != nil {
		if _, ok := s.billings[billing.ShipmentID]; ok {
			return fmt.Errorf("billing for shipment %s: %w", billing.ShipmentID, storage.ErrImmutable)
		}
	}
	sh.Status = storage.StatusFulfilled
	if err := s.updateShipmentLocked(sh); err != nil {
		return err
	}
	if billing != nil {
		if billing.CreatedAt.IsZero() {
			billing.CreatedAt = s.now()
		}
		s.billings[billing.ShipmentID] = *billing
	}
	return nil
}
