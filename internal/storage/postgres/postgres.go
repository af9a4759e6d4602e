// Package postgres implements the storage contracts on PostgreSQL with pgx.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tournevent/shipgate/internal/customservice"
	"github.com/tournevent/shipgate/internal/pricetable"
	"github.com/tournevent/shipgate/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a storage.Store backed by a pgx pool.
type Store struct{ db *pgxpool.Pool }

var _ storage.Store = (*Store)(nil)

// NewPool creates and pings a new pgx connection pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// New wraps an existing pool.
func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	var pgerr *pgconn.PgError
	return errors.As(err, &pgerr) && pgerr.Code == "23505"
}

func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// jsonb marshals v for a JSONB parameter.
func jsonb(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// only reachable with unsupported types, which the records never contain
		panic(fmt.Sprintf("postgres: marshal %T: %v", v, err))
	}
	return b
}

// GetAccount implements storage.AccountStore.
func (s *Store) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// ListAccounts implements storage.AccountStore.
func (s *Store) ListAccounts(ctx context.Context, merchantID string) ([]storage.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE merchant_id=$1 ORDER BY id`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []storage.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const accountColumns = `id, merchant_id, carrier, billing_type, fee, fee_basis, fee_weight_unit,
	uses_thirdparty_pricing, validate_addresses, is_test, facility, currency, services, credentials_ref, settings`

func scanAccount(row pgx.Row) (*storage.Account, error) {
	var (
		a                  storage.Account
		services, settings []byte
	)
	err := row.Scan(&a.ID, &a.MerchantID, &a.Carrier, &a.BillingType, &a.Fee, &a.FeeBasis, &a.FeeWeightUnit,
		&a.UsesThirdpartyPricing, &a.ValidateAddresses, &a.IsTest, &a.Facility, &a.Currency, &services, &a.CredentialsRef, &settings)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(services, &a.Services); err != nil {
		return nil, fmt.Errorf("decode account services: %w", err)
	}
	if err := json.Unmarshal(settings, &a.Settings); err != nil {
		return nil, fmt.Errorf("decode account settings: %w", err)
	}
	return &a, nil
}

// PutAccount implements storage.AccountStore.
func (s *Store) PutAccount(ctx context.Context, a *storage.Account) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			merchant_id=EXCLUDED.merchant_id, carrier=EXCLUDED.carrier, billing_type=EXCLUDED.billing_type,
			fee=EXCLUDED.fee, fee_basis=EXCLUDED.fee_basis, fee_weight_unit=EXCLUDED.fee_weight_unit,
			uses_thirdparty_pricing=EXCLUDED.uses_thirdparty_pricing, validate_addresses=EXCLUDED.validate_addresses,
			is_test=EXCLUDED.is_test, facility=EXCLUDED.facility, currency=EXCLUDED.currency,
			services=EXCLUDED.services, credentials_ref=EXCLUDED.credentials_ref, settings=EXCLUDED.settings`,
		a.ID, a.MerchantID, a.Carrier, a.BillingType, a.Fee, a.FeeBasis, a.FeeWeightUnit,
		a.UsesThirdpartyPricing, a.ValidateAddresses, a.IsTest, a.Facility, a.Currency,
		jsonb(a.Services), a.CredentialsRef, jsonb(a.Settings))
	if err != nil {
		return fmt.Errorf("put account %s: %w", a.ID, err)
	}
	return nil
}

const shipmentColumns = `id, merchant_id, merchant_code, client_order_id, account_id, carrier, service, sender,
	recipient, packages, reference, rate, status, tracking_id, carrier_shipment_id, labels, manifested,
	manifest_id, last_error, is_test, created_at, updated_at`

func scanShipment(row pgx.Row) (*storage.Shipment, error) {
	var (
		sh                                                storage.Shipment
		service, sender, recipient, packages, rate, label []byte
	)
	err := row.Scan(&sh.ID, &sh.MerchantID, &sh.MerchantCode, &sh.ClientOrderID, &sh.AccountID, &sh.Carrier,
		&service, &sender, &recipient, &packages, &sh.Reference, &rate, &sh.Status, &sh.TrackingID,
		&sh.CarrierShipmentID, &label, &sh.Manifested, &sh.ManifestID, &sh.LastError, &sh.IsTest,
		&sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{service, &sh.Service}, {sender, &sh.Sender}, {recipient, &sh.Recipient},
		{packages, &sh.Packages}, {rate, &sh.Rate}, {label, &sh.Labels},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode shipment %s: %w", sh.ID, err)
		}
	}
	return &sh, nil
}

// CreateShipment implements storage.ShipmentStore.
func (s *Store) CreateShipment(ctx context.Context, sh *storage.Shipment) error {
	now := time.Now().UTC()
	if sh.CreatedAt.IsZero() {
		sh.CreatedAt = now
	}
	sh.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO shipments (`+shipmentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		sh.ID, sh.MerchantID, sh.MerchantCode, sh.ClientOrderID, sh.AccountID, sh.Carrier,
		jsonb(sh.Service), jsonb(sh.Sender), jsonb(sh.Recipient), jsonb(sh.Packages), sh.Reference,
		jsonb(sh.Rate), sh.Status, sh.TrackingID, sh.CarrierShipmentID, jsonb(sh.Labels), sh.Manifested,
		sh.ManifestID, sh.LastError, sh.IsTest, sh.CreatedAt, sh.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("shipment %s already exists: %w", sh.ID, err)
		}
		return fmt.Errorf("create shipment: %w", err)
	}
	return nil
}

// GetShipment implements storage.ShipmentStore.
func (s *Store) GetShipment(ctx context.Context, id string) (*storage.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id=$1`, id))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("shipment %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get shipment %s: %w", id, err)
	}
	return sh, nil
}

// UpdateShipment implements storage.ShipmentStore.
func (s *Store) UpdateShipment(ctx context.Context, sh *storage.Shipment) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return updateShipmentTx(ctx, tx, sh)
	})
}

func updateShipmentTx(ctx context.Context, tx pgx.Tx, sh *storage.Shipment) error {
	cur, err := scanShipment(tx.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id=$1 FOR UPDATE`, sh.ID))
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("shipment %s: %w", sh.ID, storage.ErrNotFound)
		}
		return fmt.Errorf("lock shipment %s: %w", sh.ID, err)
	}
	if err := cur.CheckUpdate(sh); err != nil {
		return fmt.Errorf("shipment %s: %w", sh.ID, err)
	}

	sh.CreatedAt = cur.CreatedAt
	sh.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE shipments SET
			service=$2, sender=$3, recipient=$4, packages=$5, reference=$6, rate=$7, status=$8,
			tracking_id=$9, carrier_shipment_id=$10, labels=$11, manifested=$12, manifest_id=$13,
			last_error=$14, updated_at=$15
		WHERE id=$1`,
		sh.ID, jsonb(sh.Service), jsonb(sh.Sender), jsonb(sh.Recipient), jsonb(sh.Packages), sh.Reference,
		jsonb(sh.Rate), sh.Status, sh.TrackingID, sh.CarrierShipmentID, jsonb(sh.Labels), sh.Manifested,
		sh.ManifestID, sh.LastError, sh.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update shipment %s: %w", sh.ID, err)
	}
	return nil
}

// FindFulfilled implements storage.ShipmentStore.
func (s *Store) FindFulfilled(ctx context.Context, merchantID, clientOrderID string) (*storage.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `
		SELECT `+shipmentColumns+` FROM shipments
		WHERE merchant_id=$1 AND client_order_id=$2 AND status IN ($3, $4)
		ORDER BY created_at LIMIT 1`, merchantID, clientOrderID, storage.StatusFulfilled, storage.StatusCancelled))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("fulfilled shipment %s/%s: %w", merchantID, clientOrderID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("find fulfilled shipment: %w", err)
	}
	return sh, nil
}

// ListUnmanifested implements storage.ShipmentStore.
func (s *Store) ListUnmanifested(ctx context.Context, accountID string) ([]storage.Shipment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+shipmentColumns+` FROM shipments
		WHERE account_id=$1 AND status=$2 AND NOT manifested
		ORDER BY created_at`, accountID, storage.StatusFulfilled)
	if err != nil {
		return nil, fmt.Errorf("list unmanifested: %w", err)
	}
	defer rows.Close()

	var out []storage.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

// MarkManifested implements storage.ShipmentStore.
func (s *Store) MarkManifested(ctx context.Context, accountID, manifestID string, trackingIDs []string) (int, error) {
	ct, err := s.db.Exec(ctx, `
		UPDATE shipments SET manifested=TRUE, manifest_id=$2, updated_at=now()
		WHERE account_id=$1 AND status=$3 AND NOT manifested AND tracking_id = ANY($4)`,
		accountID, manifestID, storage.StatusFulfilled, trackingIDs)
	if err != nil {
		return 0, fmt.Errorf("mark manifested: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

const billingColumns = `id, merchant_id, shipment_id, shipping_cost, fee_amount, fee_basis, total, balance_after, currency, created_at`

func scanBilling(row pgx.Row) (*storage.Billing, error) {
	var b storage.Billing
	err := row.Scan(&b.ID, &b.MerchantID, &b.ShipmentID, &b.ShippingCost, &b.FeeAmount, &b.FeeBasis,
		&b.Total, &b.BalanceAfter, &b.Currency, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBillingByShipment implements storage.BillingStore.
func (s *Store) GetBillingByShipment(ctx context.Context, shipmentID string) (*storage.Billing, error) {
	b, err := scanBilling(s.db.QueryRow(ctx, `SELECT `+billingColumns+` FROM billings WHERE shipment_id=$1`, shipmentID))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("billing for shipment %s: %w", shipmentID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get billing: %w", err)
	}
	return b, nil
}

// ListBillings implements storage.BillingStore.
func (s *Store) ListBillings(ctx context.Context, merchantID string) ([]storage.Billing, error) {
	rows, err := s.db.Query(ctx, `SELECT `+billingColumns+` FROM billings WHERE merchant_id=$1 ORDER BY created_at`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list billings: %w", err)
	}
	defer rows.Close()

	var out []storage.Billing
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListPriceTables implements storage.PriceTableStore.
func (s *Store) ListPriceTables(ctx context.Context, carrierName, serviceID string) ([]pricetable.Table, error) {
	rows, err := s.db.Query(ctx, `SELECT body FROM price_tables WHERE carrier=$1 AND service_id=$2 ORDER BY position`, carrierName, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list price tables: %w", err)
	}
	defer rows.Close()

	var out []pricetable.Table
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t pricetable.Table
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("decode price table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PutPriceTable implements storage.PriceTableStore.
func (s *Store) PutPriceTable(ctx context.Context, t *pricetable.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO price_tables (id, carrier, service_id, body) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET carrier=EXCLUDED.carrier, service_id=EXCLUDED.service_id, body=EXCLUDED.body`,
		t.ID, t.Carrier, t.ServiceID, jsonb(t))
	if err != nil {
		return fmt.Errorf("put price table %s: %w", t.ID, err)
	}
	return nil
}

// GetCustomService implements storage.CustomServiceStore.
func (s *Store) GetCustomService(ctx context.Context, merchantID, carrierName string) (*customservice.CustomService, error) {
	var body []byte
	err := s.db.QueryRow(ctx, `SELECT body FROM custom_services WHERE merchant_id=$1 AND carrier=$2`, merchantID, carrierName).Scan(&body)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("custom service %s/%s: %w", merchantID, carrierName, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get custom service: %w", err)
	}
	var cs customservice.CustomService
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fmt.Errorf("decode custom service: %w", err)
	}
	return &cs, nil
}

// PutCustomService implements storage.CustomServiceStore.
func (s *Store) PutCustomService(ctx context.Context, merchantID string, cs *customservice.CustomService) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO custom_services (merchant_id, carrier, body) VALUES ($1,$2,$3)
		ON CONFLICT (merchant_id, carrier) DO UPDATE SET body=EXCLUDED.body`,
		merchantID, cs.Carrier, jsonb(cs))
	if err != nil {
		return fmt.Errorf("put custom service: %w", err)
	}
	return nil
}

// GetBalance implements storage.BalanceStore.
func (s *Store) GetBalance(ctx context.Context, merchantID string) (*storage.Balance, error) {
	var b storage.Balance
	err := s.db.QueryRow(ctx, `
		SELECT merchant_id, balance, deposit, minimum_balance, currency, version, updated_at
		FROM merchant_balances WHERE merchant_id=$1`, merchantID,
	).Scan(&b.MerchantID, &b.Balance, &b.Deposit, &b.MinimumBalance, &b.Currency, &b.Version, &b.UpdatedAt)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("balance %s: %w", merchantID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get balance %s: %w", merchantID, err)
	}
	return &b, nil
}

// UpdateBalance implements storage.BalanceStore.
func (s *Store) UpdateBalance(ctx context.Context, b *storage.Balance) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE merchant_balances
		SET balance=$2, deposit=$3, minimum_balance=$4, currency=$5, version=version+1, updated_at=now()
		WHERE merchant_id=$1 AND version=$6`,
		b.MerchantID, b.Balance, b.Deposit, b.MinimumBalance, b.Currency, b.Version)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", b.MerchantID, err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetBalance(ctx, b.MerchantID); err != nil {
			return err
		}
		return fmt.Errorf("balance %s at version %d: %w", b.MerchantID, b.Version, storage.ErrVersionConflict)
	}
	b.Version++
	return nil
}

// PutBalance implements storage.BalanceStore.
func (s *Store) PutBalance(ctx context.Context, b *storage.Balance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO merchant_balances (merchant_id, balance, deposit, minimum_balance, currency, version)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (merchant_id) DO UPDATE SET
			balance=EXCLUDED.balance, deposit=EXCLUDED.deposit, minimum_balance=EXCLUDED.minimum_balance,
			currency=EXCLUDED.currency, version=EXCLUDED.version, updated_at=now()`,
		b.MerchantID, b.Balance, b.Deposit, b.MinimumBalance, b.Currency, b.Version)
	if err != nil {
		return fmt.Errorf("put balance %s: %w", b.MerchantID, err)
	}
	return nil
}

// Credentials implements storage.CredentialStore.
func (s *Store) Credentials(ctx context.Context, ref string) (map[string]string, error) {
	var body []byte
	err := s.db.QueryRow(ctx, `SELECT secrets FROM carrier_credentials WHERE ref=$1`, ref).Scan(&body)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("credentials %s: %w", ref, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return out, nil
}

// PutCredentials implements storage.CredentialStore.
func (s *Store) PutCredentials(ctx context.Context, ref string, creds map[string]string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO carrier_credentials (ref, secrets) VALUES ($1,$2)
		ON CONFLICT (ref) DO UPDATE SET secrets=EXCLUDED.secrets`, ref, jsonb(creds))
	if err != nil {
		return fmt.Errorf("put credentials: %w", err)
	}
	return nil
}

// CompleteFulfillment implements storage.Fulfiller.
func (s *Store) CompleteFulfillment(ctx context.Context, sh *storage.Shipment, billing *storage.Billing) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		sh.Status = storage.StatusFulfilled
		if err := updateShipmentTx(ctx, tx, sh); err != nil {
			return err
		}
		if billing == nil {
			return nil
		}
		if billing.CreatedAt.IsZero() {
			billing.CreatedAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx, `INSERT INTO billings (`+billingColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			billing.ID, billing.MerchantID, billing.ShipmentID, billing.ShippingCost, billing.FeeAmount,
			billing.FeeBasis, billing.Total, billing.BalanceAfter, billing.Currency, billing.CreatedAt)
		if err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("billing for shipment %s: %w", billing.ShipmentID, storage.ErrImmutable)
			}
			return fmt.Errorf("insert billing: %w", err)
		}
		return nil
	})
}
