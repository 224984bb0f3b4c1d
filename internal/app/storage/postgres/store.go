// Package postgres implements the storage interfaces on PostgreSQL. Entity
// rows are stored as JSONB documents with the columns the facade filters on
// extracted alongside for indexing.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/harborpoint/storefront-api/internal/app/domain/cart"
	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.CustomerStore = (*Store)(nil)
var _ storage.AddressStore = (*Store)(nil)
var _ storage.RegionDirectory = (*Store)(nil)
var _ storage.ProductStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)
var _ storage.CartStore = (*Store)(nil)
var _ storage.CardVaultStore = (*Store)(nil)
var _ storage.LegacyProfileStore = (*Legacy)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func mapNoRows(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, storage.ErrNotFound)
	}
	return err
}

func scanDoc(row *sql.Row, what, id string) (*record.Record, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return nil, mapNoRows(err, what, id)
	}
	rec := record.New()
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func collectDocs(rows *sql.Rows) ([]*record.Record, error) {
	defer rows.Close()

	result := make([]*record.Record, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec := record.New()
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- CustomerStore ----------------------------------------------------------

func (s *Store) CreateCustomer(ctx context.Context, rec *record.Record) (*record.Record, error) {
	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = uuid.NewString()
		stored.Set("entity_id", id)
	}
	stored.Set("created_at", time.Now().UTC().Format(time.RFC3339))

	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sf_customers (id, email, doc)
		VALUES ($1, $2, $3)
	`, id, strings.ToLower(stored.GetString("email")), doc)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_customers WHERE id = $1
	`, id)
	return scanDoc(row, "customer", id)
}

func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_customers WHERE email = $1
	`, strings.ToLower(email))
	return scanDoc(row, "customer", email)
}

func (s *Store) UpdateCustomer(ctx context.Context, id string, rec *record.Record) (*record.Record, error) {
	existing, err := s.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}

	existing.Merge(rec)
	existing.Set("entity_id", id)
	existing.Set("updated_at", time.Now().UTC().Format(time.RFC3339))

	doc, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE sf_customers SET email = $2, doc = $3 WHERE id = $1
	`, id, strings.ToLower(existing.GetString("email")), doc)
	if err != nil {
		return nil, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("customer %s: %w", id, storage.ErrNotFound)
	}
	return existing, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sf_customers WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("customer %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- AddressStore -----------------------------------------------------------

func (s *Store) CreateAddress(ctx context.Context, rec *record.Record) (*record.Record, error) {
	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = uuid.NewString()
		stored.Set("entity_id", id)
	}

	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sf_addresses (id, customer_id, doc)
		VALUES ($1, $2, $3)
	`, id, stored.GetString("customer_id"), doc)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetAddress(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_addresses WHERE id = $1
	`, id)
	return scanDoc(row, "address", id)
}

func (s *Store) ListAddresses(ctx context.Context, customerID string) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM sf_addresses WHERE customer_id = $1 ORDER BY id
	`, customerID)
	if err != nil {
		return nil, err
	}
	return collectDocs(rows)
}

func (s *Store) UpdateAddress(ctx context.Context, id string, rec *record.Record) (*record.Record, error) {
	existing, err := s.GetAddress(ctx, id)
	if err != nil {
		return nil, err
	}

	existing.Merge(rec)
	existing.Set("entity_id", id)

	doc, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE sf_addresses SET doc = $2 WHERE id = $1
	`, id, doc)
	if err != nil {
		return nil, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("address %s: %w", id, storage.ErrNotFound)
	}
	return existing, nil
}

func (s *Store) DeleteAddress(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sf_addresses WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("address %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- RegionDirectory --------------------------------------------------------

func (s *Store) ResolveRegion(ctx context.Context, nameOrCode, country string) (*record.Record, error) {
	// Name match first, code as fallback; mirrors how clients send either
	// "New York" or "NY".
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_regions
		WHERE ($2 = '' OR country_id = $2)
		  AND (lower(name) = lower($1) OR lower(code) = lower($1))
		ORDER BY (lower(name) = lower($1)) DESC
		LIMIT 1
	`, nameOrCode, country)
	return scanDoc(row, "region", nameOrCode)
}

// --- ProductStore -----------------------------------------------------------

func (s *Store) GetProduct(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_products WHERE id = $1
	`, id)
	return scanDoc(row, "product", id)
}

func (s *Store) ListEventProducts(ctx context.Context, eventID string) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM sf_products
		WHERE event_id = $1
		ORDER BY position, id
	`, eventID)
	if err != nil {
		return nil, err
	}
	return collectDocs(rows)
}

func (s *Store) ResolveSlug(ctx context.Context, slug string) (string, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id FROM sf_products WHERE slug = $1
	`, slug)

	var productID, eventID string
	if err := row.Scan(&productID, &eventID); err != nil {
		return "", "", mapNoRows(err, "slug", slug)
	}
	return productID, eventID, nil
}

// --- EventStore -------------------------------------------------------------

func (s *Store) GetEvent(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_events WHERE id = $1
	`, id)
	return scanDoc(row, "event", id)
}

func (s *Store) ListEvents(ctx context.Context, when string) ([]*record.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if when == "upcoming" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT doc FROM sf_events
			WHERE start_date > now()
			ORDER BY start_date, id
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT doc FROM sf_events
			WHERE start_date <= now() AND end_date > now()
			ORDER BY start_date, id
		`)
	}
	if err != nil {
		return nil, err
	}
	return collectDocs(rows)
}

// --- OrderStore -------------------------------------------------------------

func (s *Store) CreateOrder(ctx context.Context, rec *record.Record) (*record.Record, error) {
	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = uuid.NewString()
		stored.Set("entity_id", id)
	}
	if stored.GetString("created_at") == "" {
		stored.Set("created_at", time.Now().UTC().Format(time.RFC3339))
	}

	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sf_orders (id, customer_id, status, created_at, doc)
		VALUES ($1, $2, $3, $4, $5)
	`, id, stored.GetString("customer_id"), stored.GetString("status"), stored.GetString("created_at"), doc)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_orders WHERE id = $1
	`, id)
	return scanDoc(row, "order", id)
}

func (s *Store) ListCustomerOrders(ctx context.Context, customerID string) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM sf_orders
		WHERE customer_id = $1 AND status NOT IN ('splitted', 'updated')
		ORDER BY created_at DESC
	`, customerID)
	if err != nil {
		return nil, err
	}
	return collectDocs(rows)
}

// --- CartStore --------------------------------------------------------------

func (s *Store) LoadCart(ctx context.Context, customerID string) (*cart.Cart, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_carts WHERE customer_id = $1
	`, customerID)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cart.New(customerID, time.Now().UTC()), nil
		}
		return nil, err
	}
	var c cart.Cart
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) SaveCart(ctx context.Context, c *cart.Cart) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sf_carts (customer_id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (customer_id) DO UPDATE SET doc = $2, updated_at = now()
	`, c.CustomerID, doc)
	return err
}

func (s *Store) DiscardCart(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sf_carts WHERE customer_id = $1
	`, customerID)
	return err
}

// --- CardVaultStore ---------------------------------------------------------

func (s *Store) CreateCard(ctx context.Context, rec *record.Record) (*record.Record, error) {
	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = uuid.NewString()
		stored.Set("entity_id", id)
	}

	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sf_cards (id, customer_id, vault_id, doc)
		VALUES ($1, $2, $3, $4)
	`, id, stored.GetString("customer_id"), stored.GetString("vault_id"), doc)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetCard(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_cards WHERE id = $1
	`, id)
	return scanDoc(row, "card", id)
}

func (s *Store) FindCardByToken(ctx context.Context, customerID, token string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_cards WHERE customer_id = $1 AND vault_id = $2
	`, customerID, token)
	return scanDoc(row, "card token for customer", customerID)
}

func (s *Store) DeleteCard(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sf_cards WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("card %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListCustomerCards(ctx context.Context, customerID string) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM sf_cards WHERE customer_id = $1 ORDER BY id
	`, customerID)
	if err != nil {
		return nil, err
	}
	return collectDocs(rows)
}

// --- LegacyProfileStore -----------------------------------------------------

// Legacy exposes the retired payment-profile table as a CardSource of its own
// so the dual read can be wired separately from the vault.
type Legacy struct {
	store *Store
}

// LegacyView returns the profile-table view of this store.
func (s *Store) LegacyView() *Legacy { return &Legacy{store: s} }

func (l *Legacy) GetProfile(ctx context.Context, subscriptionID string) (*record.Record, error) {
	row := l.store.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_legacy_profiles WHERE subscription_id = $1
	`, subscriptionID)
	return scanDoc(row, "profile", subscriptionID)
}

func (l *Legacy) FindProfileByAddress(ctx context.Context, addressID string) (*record.Record, error) {
	row := l.store.db.QueryRowContext(ctx, `
		SELECT doc FROM sf_legacy_profiles WHERE address_id = $1
	`, addressID)
	return scanDoc(row, "profile for address", addressID)
}

func (l *Legacy) DeleteProfile(ctx context.Context, subscriptionID string) error {
	result, err := l.store.db.ExecContext(ctx, `
		DELETE FROM sf_legacy_profiles WHERE subscription_id = $1
	`, subscriptionID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("profile %s: %w", subscriptionID, storage.ErrNotFound)
	}
	return nil
}

func (l *Legacy) ListCustomerCards(ctx context.Context, customerID string) ([]*record.Record, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT doc FROM sf_legacy_profiles WHERE customer_id = $1 ORDER BY subscription_id
	`, customerID)
	if err != nil {
		return nil, err
	}
	return collectDocs(rows)
}

// --- ShippingRater ----------------------------------------------------------

var _ storage.ShippingRater = (*Store)(nil)

// QuoteShipping reads the configured rate table. Rate computation belongs
// to the commerce domain; an empty table falls back to the flat rate so a
// fresh database can still check out.
func (s *Store) QuoteShipping(ctx context.Context, _ *cart.Cart, _ *record.Record) ([]storage.Rate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT method, amount, tax FROM sf_shipping_rates ORDER BY amount
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []storage.Rate
	for rows.Next() {
		var r storage.Rate
		if err := rows.Scan(&r.Method, &r.Amount, &r.Tax); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		rates = []storage.Rate{{Method: "flatrate_flatrate", Amount: 7.95}}
	}
	return rates, nil
}

var _ storage.CouponPricer = (*Store)(nil)

func (s *Store) PriceCoupon(ctx context.Context, code string, c *cart.Cart) (float64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, value FROM sf_coupons WHERE lower(code) = lower($1)
	`, code)
	var kind string
	var value float64
	if err := row.Scan(&kind, &value); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("coupon %s: %w", code, storage.ErrNotFound)
		}
		return 0, err
	}
	if kind == "percent" {
		return c.Subtotal() * value / 100, nil
	}
	return value, nil
}
