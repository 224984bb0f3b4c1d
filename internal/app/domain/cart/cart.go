// Package cart models the mutable pre-order aggregation a customer builds
// across requests before checkout.
package cart

import (
	"sort"
	"strings"
	"time"
)

// Product type identifiers, mirroring the catalog's type field.
const (
	TypeSimple       = "simple"
	TypeVirtual      = "virtual"
	TypeConfigurable = "configurable"
	TypeBundle       = "bundle"
)

// Item is one line item: a product reference with quantity and, for
// configurable products, the resolved variant selection.
type Item struct {
	ID          string
	ProductID   string
	Name        string
	ProductType string
	UnitPrice   float64
	OrigPrice   float64
	Qty         int
	Weight      float64
	// Attributes maps attribute label to the chosen option label, e.g.
	// "Color" -> "Red".
	Attributes map[string]string
}

// VariantSignature canonicalizes the item's attribute selection so two
// selections compare equal regardless of attribute order.
func (i Item) VariantSignature() string {
	return Signature(i.Attributes)
}

// Signature canonicalizes an attribute selection.
func Signature(attributes map[string]string) string {
	if len(attributes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attributes))
	for label, value := range attributes {
		parts = append(parts, label+"="+value)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// Cart aggregates line items, addresses, and checkout intent for one
// customer session. The facade holds it only transiently per request; the
// session store owns persistence.
type Cart struct {
	CustomerID string
	Items      []Item

	// Address attachments: either a reference to a stored address or an
	// inline document captured from the request.
	ShippingAddressID string
	BillingAddressID  string

	// Amounts recomputed when a shipping address attaches.
	ShippingAmount float64
	TaxAmount      float64
	ShippingMethod string

	CouponCode string
	// Discount is the coupon discount priced by the coupon collaborator;
	// repriced whenever the cart contents or coupon change.
	Discount   float64
	UseCredit  bool
	CreditUsed float64

	// CountdownAnchor starts the shelf-life window; refreshed on each
	// mutation.
	CountdownAnchor time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates an empty cart for a customer.
func New(customerID string, now time.Time) *Cart {
	return &Cart{
		CustomerID:      customerID,
		CountdownAnchor: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// VisibleItems returns the line items a client sees. All current item kinds
// are visible; the indirection mirrors catalogs where child items of a
// composite product are hidden.
func (c *Cart) VisibleItems() []Item {
	return c.Items
}

// FindItem locates an existing line item for a product per the identity
// rules: simple and virtual products match by product id alone,
// configurable and bundle products match by product id plus variant
// signature. Returns the item index or -1.
func (c *Cart) FindItem(productID, productType string, attributes map[string]string) int {
	sig := Signature(attributes)
	for idx, item := range c.Items {
		if item.ProductID != productID {
			continue
		}
		switch productType {
		case TypeConfigurable, TypeBundle:
			if item.VariantSignature() == sig {
				return idx
			}
		default:
			return idx
		}
	}
	return -1
}

// RemoveItem deletes the line item at idx. Out-of-range indices are a no-op.
func (c *Cart) RemoveItem(idx int) {
	if idx < 0 || idx >= len(c.Items) {
		return
	}
	c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
}

// Subtotal sums unit price times quantity over all items.
func (c *Cart) Subtotal() float64 {
	var total float64
	for _, item := range c.Items {
		total += item.UnitPrice * float64(item.Qty)
	}
	return roundCents(total)
}

// Savings sums the per-item gap between original and sale price.
func (c *Cart) Savings() float64 {
	var total float64
	for _, item := range c.Items {
		if item.OrigPrice > item.UnitPrice {
			total += float64(item.Qty) * (item.OrigPrice - item.UnitPrice)
		}
	}
	return roundCents(total)
}

// DiscountAmount is the priced coupon discount, clamped to the subtotal.
// The coupon collaborator prices the coupon; the cart only carries the
// resulting amount.
func (c *Cart) DiscountAmount() float64 {
	d := c.Discount
	if sub := c.Subtotal(); d > sub {
		d = sub
	}
	if d < 0 {
		return 0
	}
	return roundCents(d)
}

// GrandTotal combines subtotal less discount, shipping, and tax, less
// applied credit.
func (c *Cart) GrandTotal() float64 {
	total := c.Subtotal() - c.DiscountAmount() + c.ShippingAmount + c.TaxAmount - c.CreditUsed
	if total < 0 {
		total = 0
	}
	return roundCents(total)
}

// IsVirtual reports whether every line item is virtual (no shipping
// address required).
func (c *Cart) IsVirtual() bool {
	if len(c.Items) == 0 {
		return false
	}
	for _, item := range c.Items {
		if item.ProductType != TypeVirtual {
			return false
		}
	}
	return true
}

// ExpiresIn returns the remaining shelf life anchored at the last mutation.
func (c *Cart) ExpiresIn(shelfLife time.Duration, now time.Time) time.Duration {
	remaining := c.CountdownAnchor.Add(shelfLife).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Touch refreshes the countdown anchor after a mutation.
func (c *Cart) Touch(now time.Time) {
	c.CountdownAnchor = now
	c.UpdatedAt = now
}

// Clone returns a deep copy.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Items = make([]Item, len(c.Items))
	for i, item := range c.Items {
		copied := item
		if item.Attributes != nil {
			copied.Attributes = make(map[string]string, len(item.Attributes))
			for k, v := range item.Attributes {
				copied.Attributes[k] = v
			}
		}
		out.Items[i] = copied
	}
	return &out
}

func roundCents(v float64) float64 {
	cents := v * 100
	if cents < 0 {
		return float64(int64(cents-0.5)) / 100
	}
	return float64(int64(cents+0.5)) / 100
}
