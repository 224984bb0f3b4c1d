package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harborpoint/storefront-api/internal/app/domain/cart"
	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu             sync.RWMutex
	nextID         int64
	customers      map[string]*record.Record
	emailIndex     map[string]string
	addresses      map[string]*record.Record
	regions        map[string]*record.Record
	products       map[string]*record.Record
	slugIndex      map[string][2]string
	events         map[string]*record.Record
	orders         map[string]*record.Record
	carts          map[string]*cart.Cart
	cards          map[string]*record.Record
	profiles       map[string]*record.Record
	coupons        map[string]couponRule
	FlatRates      []storage.Rate
	QuoteShippingF func(ctx context.Context, c *cart.Cart, address *record.Record) ([]storage.Rate, error)
}

var _ storage.CustomerStore = (*Store)(nil)
var _ storage.AddressStore = (*Store)(nil)
var _ storage.RegionDirectory = (*Store)(nil)
var _ storage.ProductStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)
var _ storage.CartStore = (*Store)(nil)
var _ storage.ShippingRater = (*Store)(nil)
var _ storage.CouponPricer = (*Store)(nil)
var _ storage.CardVaultStore = (*Store)(nil)
var _ storage.LegacyProfileStore = (*LegacyProfiles)(nil)

// New creates an empty store with a single flat shipping rate.
func New() *Store {
	return &Store{
		nextID:     1,
		customers:  make(map[string]*record.Record),
		emailIndex: make(map[string]string),
		addresses:  make(map[string]*record.Record),
		regions:    make(map[string]*record.Record),
		products:   make(map[string]*record.Record),
		slugIndex:  make(map[string][2]string),
		events:     make(map[string]*record.Record),
		orders:     make(map[string]*record.Record),
		carts:      make(map[string]*cart.Cart),
		cards:      make(map[string]*record.Record),
		profiles:   make(map[string]*record.Record),
		coupons:    make(map[string]couponRule),
		FlatRates:  []storage.Rate{{Method: "flatrate_flatrate", Amount: 7.95}},
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// CustomerStore implementation ------------------------------------------------

func (s *Store) CreateCustomer(_ context.Context, rec *record.Record) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(rec.GetString("email"))
	if email != "" {
		if _, exists := s.emailIndex[email]; exists {
			return nil, fmt.Errorf("customer email %s already registered", email)
		}
	}

	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = s.nextIDLocked()
		stored.Set("entity_id", id)
	} else if _, exists := s.customers[id]; exists {
		return nil, fmt.Errorf("customer %s already exists", id)
	}
	stored.Set("created_at", time.Now().UTC().Format(time.RFC3339))

	s.customers[id] = stored
	if email != "" {
		s.emailIndex[email] = id
	}
	return stored.Clone(), nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) GetCustomerByEmail(_ context.Context, email string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emailIndex[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", email, storage.ErrNotFound)
	}
	return s.customers[id].Clone(), nil
}

func (s *Store) UpdateCustomer(_ context.Context, id string, rec *record.Record) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, storage.ErrNotFound)
	}

	oldEmail := strings.ToLower(original.GetString("email"))
	merged := original.Clone()
	merged.Merge(rec)
	merged.Set("entity_id", id)
	merged.Set("updated_at", time.Now().UTC().Format(time.RFC3339))

	newEmail := strings.ToLower(merged.GetString("email"))
	if newEmail != oldEmail {
		if existing, exists := s.emailIndex[newEmail]; exists && existing != id {
			return nil, fmt.Errorf("customer email %s already registered", newEmail)
		}
		delete(s.emailIndex, oldEmail)
		if newEmail != "" {
			s.emailIndex[newEmail] = id
		}
	}

	s.customers[id] = merged
	return merged.Clone(), nil
}

func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.customers[id]
	if !ok {
		return fmt.Errorf("customer %s: %w", id, storage.ErrNotFound)
	}
	delete(s.emailIndex, strings.ToLower(rec.GetString("email")))
	delete(s.customers, id)
	return nil
}

// AddressStore implementation -------------------------------------------------

func (s *Store) CreateAddress(_ context.Context, rec *record.Record) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = s.nextIDLocked()
		stored.Set("entity_id", id)
	} else if _, exists := s.addresses[id]; exists {
		return nil, fmt.Errorf("address %s already exists", id)
	}

	s.addresses[id] = stored
	return stored.Clone(), nil
}

func (s *Store) GetAddress(_ context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.addresses[id]
	if !ok {
		return nil, fmt.Errorf("address %s: %w", id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) ListAddresses(_ context.Context, customerID string) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*record.Record, 0)
	for _, rec := range s.addresses {
		if rec.GetString("customer_id") == customerID {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].GetString("entity_id") < result[j].GetString("entity_id")
	})
	return result, nil
}

func (s *Store) UpdateAddress(_ context.Context, id string, rec *record.Record) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.addresses[id]
	if !ok {
		return nil, fmt.Errorf("address %s: %w", id, storage.ErrNotFound)
	}

	merged := original.Clone()
	merged.Merge(rec)
	merged.Set("entity_id", id)
	s.addresses[id] = merged
	return merged.Clone(), nil
}

func (s *Store) DeleteAddress(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.addresses[id]; !ok {
		return fmt.Errorf("address %s: %w", id, storage.ErrNotFound)
	}
	delete(s.addresses, id)
	return nil
}

// RegionDirectory implementation ----------------------------------------------

// AddRegion seeds a region row; key fields are "name", "code" and "country_id".
func (s *Store) AddRegion(rec *record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[rec.GetString("region_id")] = rec.Clone()
}

func (s *Store) ResolveRegion(_ context.Context, nameOrCode, country string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Exact name match wins over code match.
	var byCode *record.Record
	for _, rec := range s.regions {
		if country != "" && !strings.EqualFold(rec.GetString("country_id"), country) {
			continue
		}
		if strings.EqualFold(rec.GetString("name"), nameOrCode) {
			return rec.Clone(), nil
		}
		if byCode == nil && strings.EqualFold(rec.GetString("code"), nameOrCode) {
			byCode = rec
		}
	}
	if byCode != nil {
		return byCode.Clone(), nil
	}
	return nil, fmt.Errorf("region %q: %w", nameOrCode, storage.ErrNotFound)
}

// ProductStore implementation -------------------------------------------------

// AddProduct seeds a catalog row. The "url_key" field, when present, is
// registered in the slug index against the product's "event_id".
func (s *Store) AddProduct(rec *record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = s.nextIDLocked()
		stored.Set("entity_id", id)
	}
	s.products[id] = stored
	if slug := stored.GetString("url_key"); slug != "" {
		s.slugIndex[slug] = [2]string{id, stored.GetString("event_id")}
	}
}

func (s *Store) GetProduct(_ context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) ListEventProducts(_ context.Context, eventID string) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*record.Record, 0)
	for _, rec := range s.products {
		if rec.GetString("event_id") == eventID {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		pi := result[i].GetFloat("position")
		pj := result[j].GetFloat("position")
		if pi != pj {
			return pi < pj
		}
		return result[i].GetString("entity_id") < result[j].GetString("entity_id")
	})
	return result, nil
}

func (s *Store) ResolveSlug(_ context.Context, slug string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, ok := s.slugIndex[slug]
	if !ok {
		return "", "", fmt.Errorf("slug %q: %w", slug, storage.ErrNotFound)
	}
	return pair[0], pair[1], nil
}

// EventStore implementation ---------------------------------------------------

// AddEvent seeds a sale event row.
func (s *Store) AddEvent(rec *record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = s.nextIDLocked()
		stored.Set("entity_id", id)
	}
	s.events[id] = stored
}

func (s *Store) GetEvent(_ context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) ListEvents(_ context.Context, when string) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	result := make([]*record.Record, 0)
	for _, rec := range s.events {
		start := parseEventTime(rec.GetString("event_start_date"))
		end := parseEventTime(rec.GetString("event_end_date"))
		switch when {
		case "upcoming":
			if start.After(now) {
				result = append(result, rec.Clone())
			}
		default: // current
			if !start.After(now) && end.After(now) {
				result = append(result, rec.Clone())
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		si := parseEventTime(result[i].GetString("event_start_date"))
		sj := parseEventTime(result[j].GetString("event_start_date"))
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return result[i].GetString("entity_id") < result[j].GetString("entity_id")
	})
	return result, nil
}

func parseEventTime(v string) time.Time {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", v)
	return t
}

// OrderStore implementation ---------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, rec *record.Record) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = s.nextIDLocked()
		stored.Set("entity_id", id)
	} else if _, exists := s.orders[id]; exists {
		return nil, fmt.Errorf("order %s already exists", id)
	}
	if stored.GetString("created_at") == "" {
		stored.Set("created_at", time.Now().UTC().Format(time.RFC3339))
	}

	s.orders[id] = stored
	return stored.Clone(), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) ListCustomerOrders(_ context.Context, customerID string) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*record.Record, 0)
	for _, rec := range s.orders {
		if rec.GetString("customer_id") != customerID {
			continue
		}
		switch rec.GetString("status") {
		case "splitted", "updated":
			continue
		}
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].GetString("created_at") > result[j].GetString("created_at")
	})
	return result, nil
}

// CartStore implementation ----------------------------------------------------

func (s *Store) LoadCart(_ context.Context, customerID string) (*cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.carts[customerID]; ok {
		return c.Clone(), nil
	}
	return cart.New(customerID, time.Now().UTC()), nil
}

func (s *Store) SaveCart(_ context.Context, c *cart.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.carts[c.CustomerID] = c.Clone()
	return nil
}

func (s *Store) DiscardCart(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, customerID)
	return nil
}

// ShippingRater implementation ------------------------------------------------

func (s *Store) QuoteShipping(ctx context.Context, c *cart.Cart, address *record.Record) ([]storage.Rate, error) {
	if s.QuoteShippingF != nil {
		return s.QuoteShippingF(ctx, c, address)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.Rate(nil), s.FlatRates...), nil
}

// CouponPricer implementation ---------------------------------------------------

// couponRule is one seeded coupon: kind "percent" discounts the subtotal by
// value percent, anything else is a fixed amount.
type couponRule struct {
	kind  string
	value float64
}

// AddCoupon seeds a coupon. Kind is "percent" or "fixed".
func (s *Store) AddCoupon(code, kind string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[strings.ToLower(code)] = couponRule{kind: kind, value: value}
}

func (s *Store) PriceCoupon(_ context.Context, code string, c *cart.Cart) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.coupons[strings.ToLower(code)]
	if !ok {
		return 0, fmt.Errorf("coupon %s: %w", code, storage.ErrNotFound)
	}
	if rule.kind == "percent" {
		return c.Subtotal() * rule.value / 100, nil
	}
	return rule.value, nil
}

// CardVaultStore implementation -----------------------------------------------

func (s *Store) CreateCard(_ context.Context, rec *record.Record) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	id := stored.GetString("entity_id")
	if id == "" {
		id = s.nextIDLocked()
		stored.Set("entity_id", id)
	} else if _, exists := s.cards[id]; exists {
		return nil, fmt.Errorf("card %s already exists", id)
	}

	s.cards[id] = stored
	return stored.Clone(), nil
}

func (s *Store) GetCard(_ context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.cards[id]
	if !ok {
		return nil, fmt.Errorf("card %s: %w", id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) FindCardByToken(_ context.Context, customerID, token string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.cards {
		if rec.GetString("customer_id") == customerID && rec.GetString("vault_id") == token {
			return rec.Clone(), nil
		}
	}
	return nil, fmt.Errorf("card token for customer %s: %w", customerID, storage.ErrNotFound)
}

func (s *Store) DeleteCard(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[id]; !ok {
		return fmt.Errorf("card %s: %w", id, storage.ErrNotFound)
	}
	delete(s.cards, id)
	return nil
}

func (s *Store) ListCustomerCards(_ context.Context, customerID string) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*record.Record, 0)
	for _, rec := range s.cards {
		if rec.GetString("customer_id") == customerID {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].GetString("entity_id") < result[j].GetString("entity_id")
	})
	return result, nil
}

// LegacyProfileStore implementation -------------------------------------------

// LegacyProfiles exposes the retired profile table as its own CardSource so
// tests can wire the dual read separately from the vault.
type LegacyProfiles struct {
	store *Store
}

// Legacy returns a view over the store's legacy profile table.
func (s *Store) Legacy() *LegacyProfiles { return &LegacyProfiles{store: s} }

// AddProfile seeds a legacy profile row keyed by "subscription_id".
func (s *Store) AddProfile(rec *record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[rec.GetString("subscription_id")] = rec.Clone()
}

func (s *Store) GetProfile(_ context.Context, subscriptionID string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.profiles[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", subscriptionID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) FindProfileByAddress(_ context.Context, addressID string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.profiles {
		if rec.GetString("address_id") == addressID {
			return rec.Clone(), nil
		}
	}
	return nil, fmt.Errorf("profile for address %s: %w", addressID, storage.ErrNotFound)
}

func (s *Store) DeleteProfile(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[subscriptionID]; !ok {
		return fmt.Errorf("profile %s: %w", subscriptionID, storage.ErrNotFound)
	}
	delete(s.profiles, subscriptionID)
	return nil
}

func (l *LegacyProfiles) GetProfile(ctx context.Context, subscriptionID string) (*record.Record, error) {
	return l.store.GetProfile(ctx, subscriptionID)
}

func (l *LegacyProfiles) FindProfileByAddress(ctx context.Context, addressID string) (*record.Record, error) {
	return l.store.FindProfileByAddress(ctx, addressID)
}

func (l *LegacyProfiles) DeleteProfile(ctx context.Context, subscriptionID string) error {
	return l.store.DeleteProfile(ctx, subscriptionID)
}

func (l *LegacyProfiles) ListCustomerCards(_ context.Context, customerID string) ([]*record.Record, error) {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()

	result := make([]*record.Record, 0)
	for _, rec := range l.store.profiles {
		if rec.GetString("customer_id") == customerID {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].GetString("subscription_id") < result[j].GetString("subscription_id")
	})
	return result, nil
}
