// Package storage defines the domain-collaborator contracts the facade
// consumes. Every contract speaks record.Record at the boundary; adapters
// convert real persistence rows into Records once, at load time.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/harborpoint/storefront-api/internal/app/domain/cart"
	"github.com/harborpoint/storefront-api/internal/app/domain/record"
)

// ErrNotFound reports that an entity id did not resolve.
var ErrNotFound = errors.New("storage: not found")

// IsNotFound reports whether err is the not-found sentinel.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// CustomerStore persists customer accounts.
type CustomerStore interface {
	CreateCustomer(ctx context.Context, rec *record.Record) (*record.Record, error)
	GetCustomer(ctx context.Context, id string) (*record.Record, error)
	GetCustomerByEmail(ctx context.Context, email string) (*record.Record, error)
	UpdateCustomer(ctx context.Context, id string, rec *record.Record) (*record.Record, error)
	DeleteCustomer(ctx context.Context, id string) error
}

// AddressStore persists customer address books.
type AddressStore interface {
	CreateAddress(ctx context.Context, rec *record.Record) (*record.Record, error)
	GetAddress(ctx context.Context, id string) (*record.Record, error)
	ListAddresses(ctx context.Context, customerID string) ([]*record.Record, error)
	UpdateAddress(ctx context.Context, id string, rec *record.Record) (*record.Record, error)
	DeleteAddress(ctx context.Context, id string) error
}

// RegionDirectory resolves region names or codes within a country.
type RegionDirectory interface {
	// ResolveRegion looks the region up by name first, then by code.
	ResolveRegion(ctx context.Context, nameOrCode, country string) (*record.Record, error)
}

// ProductStore reads the catalog.
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*record.Record, error)
	// ListEventProducts returns salable products of an event in the
	// catalog's sort order.
	ListEventProducts(ctx context.Context, eventID string) ([]*record.Record, error)
	// ResolveSlug maps a storefront URL slug to (productID, eventID).
	ResolveSlug(ctx context.Context, slug string) (string, string, error)
}

// EventStore reads sale events.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*record.Record, error)
	// ListEvents returns the scheduled queue for "current" or "upcoming".
	ListEvents(ctx context.Context, when string) ([]*record.Record, error)
}

// OrderStore reads and creates immutable orders.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*record.Record, error)
	// ListCustomerOrders returns a customer's orders, newest first,
	// excluding internal statuses ("splitted", "updated").
	ListCustomerOrders(ctx context.Context, customerID string) ([]*record.Record, error)
	CreateOrder(ctx context.Context, rec *record.Record) (*record.Record, error)
}

// CartStore owns session carts. Loading always yields a cart: a fresh empty
// one when the session has none.
type CartStore interface {
	LoadCart(ctx context.Context, customerID string) (*cart.Cart, error)
	SaveCart(ctx context.Context, c *cart.Cart) error
	DiscardCart(ctx context.Context, customerID string) error
}

// ShippingRater quotes shipping for a cart/address pair. Rate computation
// itself belongs to the commerce domain; the facade only selects a quote.
type ShippingRater interface {
	QuoteShipping(ctx context.Context, c *cart.Cart, address *record.Record) ([]Rate, error)
}

// Rate is one shipping quote.
type Rate struct {
	Method string
	Amount float64
	Tax    float64
}

// CouponPricer prices a coupon code against a cart. Discount rules live in
// the commerce domain; the facade only carries the resulting amount.
type CouponPricer interface {
	// PriceCoupon returns the discount amount for code. Unknown codes
	// resolve to ErrNotFound.
	PriceCoupon(ctx context.Context, code string, c *cart.Cart) (float64, error)
}

// CardSource lists stored payment cards in the normalized vault shape.
// VaultStore and LegacyProfileStore both satisfy it so the controller can
// merge heterogeneous backing stores.
type CardSource interface {
	ListCustomerCards(ctx context.Context, customerID string) ([]*record.Record, error)
}

// CardVaultStore persists tokenized cards in the current vault.
type CardVaultStore interface {
	CardSource
	CreateCard(ctx context.Context, rec *record.Record) (*record.Record, error)
	GetCard(ctx context.Context, id string) (*record.Record, error)
	FindCardByToken(ctx context.Context, customerID, token string) (*record.Record, error)
	DeleteCard(ctx context.Context, id string) error
}

// LegacyProfileStore reads the retired payment-profile system. The dual
// read against it is a permanent compatibility shim: cards saved before the
// vault migration only exist here.
type LegacyProfileStore interface {
	CardSource
	GetProfile(ctx context.Context, subscriptionID string) (*record.Record, error)
	FindProfileByAddress(ctx context.Context, addressID string) (*record.Record, error)
	DeleteProfile(ctx context.Context, subscriptionID string) error
}

// EstimateShipDate predicts the ship date for physical items in a cart.
// Kept as data (a constant offset) rather than logic; the commerce domain
// owns real promise dates.
func EstimateShipDate(now time.Time) time.Time {
	return now.AddDate(0, 0, 14)
}
