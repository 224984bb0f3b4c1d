// Package checkout implements the cart mutation and order submission state
// machine behind POST /user/{id}/order. A request either leaves the customer
// with an updated cart (202 outcome) or converts the cart into an immutable
// order (201 outcome).
package checkout

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harborpoint/storefront-api/internal/app/domain/cart"
	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/payment"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/errors"
	"github.com/harborpoint/storefront-api/pkg/logger"
)

// Stores bundles the storage collaborators the state machine touches.
type Stores struct {
	Carts     storage.CartStore
	Products  storage.ProductStore
	Addresses storage.AddressStore
	Regions   storage.RegionDirectory
	Customers storage.CustomerStore
	Orders    storage.OrderStore
	Cards     storage.CardVaultStore
	Rater     storage.ShippingRater
	Coupons   storage.CouponPricer
}

// Service owns cart mutation for all sessions. Mutations for the same
// customer are serialized through a per-session lock; the underlying store
// never sees interleaved read-modify-write cycles for one cart.
type Service struct {
	stores    Stores
	gateway   payment.Gateway
	shelfLife time.Duration
	log       *logger.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the checkout service.
func New(stores Stores, gateway payment.Gateway, shelfLife time.Duration, log *logger.Logger) *Service {
	return &Service{
		stores:    stores,
		gateway:   gateway,
		shelfLife: shelfLife,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
}

// Outcome is the result of applying a request to a cart. Exactly one of
// Order (checkout happened) or Cart (still building) is set.
type Outcome struct {
	Order *record.Record
	Cart  *cart.Cart
}

// CheckedOut reports whether the request finalized into an order.
func (o Outcome) CheckedOut() bool { return o.Order != nil }

func (s *Service) sessionLock(customerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[customerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[customerID] = l
	}
	return l
}

// Apply merges the request document into the customer's cart and decides
// between submission and persistence. The request is the raw client
// document; deltas it omits leave the cart untouched.
func (s *Service) Apply(ctx context.Context, customerID string, req *record.Record) (Outcome, error) {
	lock := s.sessionLock(customerID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.stores.Carts.LoadCart(ctx, customerID)
	if err != nil {
		return Outcome{}, errors.Internal("failed to load cart", err)
	}

	if products := req.GetList("products"); len(products) > 0 {
		if err := s.applyProductDeltas(ctx, c, products); err != nil {
			return Outcome{}, err
		}
	}
	if err := s.applyAddressDeltas(ctx, c, req); err != nil {
		return Outcome{}, err
	}
	if req.Has("coupon_code") {
		c.CouponCode = req.GetString("coupon_code")
	}
	if err := s.repriceCoupon(ctx, c); err != nil {
		return Outcome{}, err
	}
	if req.Has("use_credit") {
		c.UseCredit = req.GetBool("use_credit")
		c.CreditUsed = 0
		if c.UseCredit {
			c.CreditUsed = s.creditBalance(ctx, customerID, c)
		}
	}

	now := s.now()
	c.Touch(now)

	pay := req.GetRecord("payment")
	hasPayment := pay != nil && pay.Len() > 0
	if len(c.VisibleItems()) > 0 && hasPayment {
		order, err := s.submit(ctx, c, pay)
		if err != nil {
			// The cart survives a failed submit so the customer can retry.
			if saveErr := s.stores.Carts.SaveCart(ctx, c); saveErr != nil {
				s.log.WithError(saveErr).Errorf("failed to preserve cart for customer %s after submit failure", customerID)
			}
			return Outcome{}, err
		}
		if err := s.stores.Carts.DiscardCart(ctx, customerID); err != nil {
			s.log.WithError(err).Warnf("failed to discard cart for customer %s after checkout", customerID)
		}
		return Outcome{Order: order}, nil
	}

	if err := s.stores.Carts.SaveCart(ctx, c); err != nil {
		return Outcome{}, errors.Internal("failed to persist cart", err)
	}
	return Outcome{Cart: c}, nil
}

// Cart loads the customer's current cart without mutating it.
func (s *Service) Cart(ctx context.Context, customerID string) (*cart.Cart, error) {
	c, err := s.stores.Carts.LoadCart(ctx, customerID)
	if err != nil {
		return nil, errors.Internal("failed to load cart", err)
	}
	return c, nil
}

// --- product deltas ---------------------------------------------------------

func (s *Service) applyProductDeltas(ctx context.Context, c *cart.Cart, deltas []interface{}) error {
	type update struct {
		idx int
		qty int
	}
	var (
		updates  []update
		adds     []cart.Item
		removals []int
	)

	for _, raw := range deltas {
		delta, ok := raw.(*record.Record)
		if !ok {
			return errors.BadRequest("product entries must be objects")
		}

		productID, err := s.resolveProductRef(ctx, delta)
		if err != nil {
			return err
		}
		product, err := s.stores.Products.GetProduct(ctx, productID)
		if err != nil {
			if storage.IsNotFound(err) {
				return errors.BadRequestf("unresolvable product reference %s", productID)
			}
			return errors.Internal("failed to load product", err)
		}

		qty := int(delta.GetFloat("qty"))
		if qty < 0 {
			return errors.BadRequest("product quantity must not be negative")
		}

		productType := product.GetString("type_id")
		attrs, err := resolveVariantAttributes(product, delta.GetRecord("attributes"))
		if err != nil {
			return err
		}

		idx := c.FindItem(productID, productType, attrs)
		switch {
		case idx >= 0 && productType == cart.TypeVirtual:
			existing := c.Items[idx]
			if qty == 0 {
				removals = append(removals, idx)
				continue
			}
			if qty != existing.Qty {
				return errors.Conflict(fmt.Sprintf("quantity of virtual item %s cannot be changed", existing.Name))
			}
		case idx >= 0:
			updates = append(updates, update{idx: idx, qty: qty})
		case qty > 0:
			adds = append(adds, buildItem(product, productType, qty, attrs))
		}
	}

	// Quantity updates apply as one batch after the per-item loop; a single
	// conflicting entry rejects the whole batch before anything mutates and
	// the cart keeps its prior quantities.
	batch := make(map[int]int, len(updates))
	for _, u := range updates {
		if prev, ok := batch[u.idx]; ok && prev != u.qty {
			return errors.Conflict(fmt.Sprintf("conflicting quantities for %s", c.Items[u.idx].Name))
		}
		batch[u.idx] = u.qty
	}
	for _, u := range updates {
		if u.qty == 0 {
			removals = append(removals, u.idx)
			continue
		}
		c.Items[u.idx].Qty = u.qty
	}
	// Removal indices arrive in request order from two sources (virtual
	// qty-0 entries and batch updates); they must apply highest-first or
	// an earlier removal shifts the later indices.
	sort.Sort(sort.Reverse(sort.IntSlice(removals)))
	last := -1
	for _, idx := range removals {
		if idx == last {
			continue
		}
		last = idx
		c.RemoveItem(idx)
	}
	c.Items = append(c.Items, adds...)
	return nil
}

// resolveProductRef extracts the product id from the delta's self link, or
// from a bare "id" field. Links carry either "/product/{id}" paths or
// storefront slug URLs.
func (s *Service) resolveProductRef(ctx context.Context, delta *record.Record) (string, error) {
	if id := delta.GetString("id"); id != "" {
		return id, nil
	}
	for _, raw := range delta.GetList("links") {
		link, ok := raw.(*record.Record)
		if !ok {
			continue
		}
		href := link.GetString("href")
		if href == "" {
			continue
		}
		if id := pathSuffix(href, "/product/"); id != "" {
			return id, nil
		}
		if slug := slugFromURL(href); slug != "" {
			productID, _, err := s.stores.Products.ResolveSlug(ctx, slug)
			if err == nil {
				return productID, nil
			}
		}
	}
	return "", errors.BadRequest("unresolvable product reference")
}

func pathSuffix(href, marker string) string {
	pos := strings.Index(href, marker)
	if pos < 0 {
		return ""
	}
	rest := strings.Trim(href[pos+len(marker):], "/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

func slugFromURL(href string) string {
	href = strings.TrimSuffix(href, "/")
	pos := strings.LastIndex(href, "/")
	if pos < 0 {
		return ""
	}
	slug := href[pos+1:]
	slug = strings.TrimSuffix(slug, ".html")
	return slug
}

// resolveVariantAttributes validates a configurable product's requested
// attribute selection against the catalog's valid options. Simple products
// pass through with no attributes.
func resolveVariantAttributes(product *record.Record, requested *record.Record) (map[string]string, error) {
	if product.GetString("type_id") != cart.TypeConfigurable {
		return nil, nil
	}

	valid := product.GetRecord("configurable_attributes")
	if requested == nil || requested.Len() == 0 {
		return nil, errors.BadRequest("attribute selection required for configurable product")
	}

	attrs := make(map[string]string, requested.Len())
	for _, label := range requested.Keys() {
		value := requested.GetString(label)
		if valid == nil || !valid.Has(label) {
			return nil, errors.BadRequestf("invalid attribute %q", label)
		}
		found := false
		for _, opt := range valid.GetList(label) {
			if s, ok := opt.(string); ok && s == value {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.BadRequestf("invalid value %q for attribute %q", value, label)
		}
		attrs[label] = value
	}
	return attrs, nil
}

func buildItem(product *record.Record, productType string, qty int, attrs map[string]string) cart.Item {
	price := product.GetFloat("price")
	unit := price
	if product.Has("special_price") {
		if sp := product.GetFloat("special_price"); sp > 0 && sp < price {
			unit = sp
		}
	}
	return cart.Item{
		ProductID:   product.GetString("entity_id"),
		Name:        product.GetString("name"),
		ProductType: productType,
		UnitPrice:   unit,
		OrigPrice:   price,
		Qty:         qty,
		Weight:      product.GetFloat("weight"),
		Attributes:  attrs,
	}
}

// --- address deltas ---------------------------------------------------------

func (s *Service) applyAddressDeltas(ctx context.Context, c *cart.Cart, req *record.Record) error {
	if shipping := req.GetRecord("shipping_address"); shipping != nil {
		id, err := s.resolveAddress(ctx, c.CustomerID, shipping)
		if err != nil {
			return err
		}
		c.ShippingAddressID = id
		if err := s.recomputeShipping(ctx, c); err != nil {
			return err
		}
	}
	if billing := req.GetRecord("billing_address"); billing != nil {
		id, err := s.resolveAddress(ctx, c.CustomerID, billing)
		if err != nil {
			return err
		}
		c.BillingAddressID = id
	}
	return nil
}

// resolveAddress returns the id of a stored address, creating one from
// inline data when the delta carries no reference link.
func (s *Service) resolveAddress(ctx context.Context, customerID string, delta *record.Record) (string, error) {
	for _, raw := range delta.GetList("links") {
		link, ok := raw.(*record.Record)
		if !ok {
			continue
		}
		id := pathSuffix(link.GetString("href"), "/address/")
		if id == "" {
			continue
		}
		addr, err := s.stores.Addresses.GetAddress(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) {
				return "", errors.BadRequestf("unresolvable address reference %s", id)
			}
			return "", errors.Internal("failed to load address", err)
		}
		if addr.GetString("customer_id") != customerID {
			return "", errors.BadRequestf("unresolvable address reference %s", id)
		}
		return id, nil
	}
	if delta.Has("links") {
		return "", errors.BadRequest("unresolvable address reference")
	}

	// Inline address. Region names are validated against the directory
	// before anything persists.
	inline := delta.Clone()
	country := inline.GetString("country")
	if country == "" {
		country = inline.GetString("country_id")
	}
	if state := inline.GetString("state"); state != "" {
		region, err := s.stores.Regions.ResolveRegion(ctx, state, country)
		if err != nil {
			if storage.IsNotFound(err) {
				return "", errors.BadRequestf("invalid region %q", state)
			}
			return "", errors.Internal("failed to resolve region", err)
		}
		inline.Set("region_id", region.GetString("region_id"))
		inline.Set("region", region.GetString("name"))
	}
	inline.Set("customer_id", customerID)

	created, err := s.stores.Addresses.CreateAddress(ctx, inline)
	if err != nil {
		return "", errors.Internal("failed to save address", err)
	}
	return created.GetString("entity_id"), nil
}

// recomputeShipping refreshes quotes for the cart's shipping address and
// defaults to the first available rate.
func (s *Service) recomputeShipping(ctx context.Context, c *cart.Cart) error {
	if c.ShippingAddressID == "" || len(c.Items) == 0 || c.IsVirtual() {
		return nil
	}
	addr, err := s.stores.Addresses.GetAddress(ctx, c.ShippingAddressID)
	if err != nil {
		return errors.Internal("failed to load shipping address", err)
	}
	rates, err := s.stores.Rater.QuoteShipping(ctx, c, addr)
	if err != nil {
		return errors.Internal("failed to quote shipping", err)
	}
	if len(rates) == 0 {
		return errors.BadRequest("no shipping rates available for address")
	}
	c.ShippingMethod = rates[0].Method
	c.ShippingAmount = rates[0].Amount
	c.TaxAmount = rates[0].Tax
	return nil
}

// repriceCoupon refreshes the coupon discount against the cart's current
// contents. An unknown code rejects the request and clears the coupon so a
// retry starts clean.
func (s *Service) repriceCoupon(ctx context.Context, c *cart.Cart) error {
	if c.CouponCode == "" || s.stores.Coupons == nil {
		c.Discount = 0
		return nil
	}
	amount, err := s.stores.Coupons.PriceCoupon(ctx, c.CouponCode, c)
	if err != nil {
		if storage.IsNotFound(err) {
			code := c.CouponCode
			c.CouponCode = ""
			c.Discount = 0
			return errors.BadRequestf("invalid coupon code %q", code)
		}
		return errors.Internal("failed to price coupon", err)
	}
	c.Discount = amount
	return nil
}

func (s *Service) creditBalance(ctx context.Context, customerID string, c *cart.Cart) float64 {
	cust, err := s.stores.Customers.GetCustomer(ctx, customerID)
	if err != nil {
		s.log.WithError(err).Warnf("failed to load credit balance for customer %s", customerID)
		return 0
	}
	credit := cust.GetFloat("credit")
	max := c.Subtotal() - c.DiscountAmount() + c.ShippingAmount + c.TaxAmount
	if credit > max {
		credit = max
	}
	if credit < 0 {
		credit = 0
	}
	return credit
}

// --- submission -------------------------------------------------------------

func (s *Service) submit(ctx context.Context, c *cart.Cart, pay *record.Record) (*record.Record, error) {
	shipping, billing, err := s.loadCheckoutAddresses(ctx, c)
	if err != nil {
		return nil, err
	}

	method, paySummary, err := s.resolvePayment(ctx, c, pay, billing)
	if err != nil {
		return nil, err
	}

	order := s.buildOrder(c, paySummary, shipping, billing)
	created, err := s.stores.Orders.CreateOrder(ctx, order)
	if err != nil {
		if svcErr := errors.GetServiceError(err); svcErr != nil {
			return nil, svcErr
		}
		return nil, errors.Internal("order submission failed", err)
	}
	s.log.Infof("order %s created for customer %s (%s)", created.GetString("entity_id"), c.CustomerID, method)
	return created, nil
}

func (s *Service) loadCheckoutAddresses(ctx context.Context, c *cart.Cart) (*record.Record, *record.Record, error) {
	var shipping *record.Record
	if !c.IsVirtual() {
		if c.ShippingAddressID == "" {
			return nil, nil, errors.BadRequest("shipping address required")
		}
		var err error
		shipping, err = s.stores.Addresses.GetAddress(ctx, c.ShippingAddressID)
		if err != nil {
			return nil, nil, errors.BadRequest("shipping address required")
		}
		if missing := missingAddressFields(shipping); len(missing) > 0 {
			return nil, nil, errors.BadRequestf("shipping address incomplete: missing %s", strings.Join(missing, ", "))
		}
	}

	billingID := c.BillingAddressID
	if billingID == "" {
		billingID = c.ShippingAddressID
	}
	if billingID == "" {
		return nil, nil, errors.BadRequest("billing address required")
	}
	billing, err := s.stores.Addresses.GetAddress(ctx, billingID)
	if err != nil {
		return nil, nil, errors.BadRequest("billing address required")
	}
	if missing := missingAddressFields(billing); len(missing) > 0 {
		return nil, nil, errors.BadRequestf("billing address incomplete: missing %s", strings.Join(missing, ", "))
	}
	return shipping, billing, nil
}

func missingAddressFields(addr *record.Record) []string {
	var missing []string
	for _, field := range []string{"firstname", "lastname", "street", "city", "zip"} {
		if addr.GetString(field) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// resolvePayment picks the payment method: a stored-card reference checks
// out as "creditcard", a zero grand total as "free", anything else
// tokenizes through the gateway.
func (s *Service) resolvePayment(ctx context.Context, c *cart.Cart, pay *record.Record, billing *record.Record) (string, *record.Record, error) {
	if cardID := storedCardRef(pay); cardID != "" {
		card, err := s.stores.Cards.GetCard(ctx, cardID)
		if err != nil {
			return "", nil, errors.Conflict(fmt.Sprintf("invalid credit card reference %s", cardID))
		}
		if card.GetString("customer_id") != c.CustomerID {
			return "", nil, errors.Conflict(fmt.Sprintf("invalid credit card reference %s", cardID))
		}
		summary := record.New().
			Set("method", "creditcard").
			Set("cc_type", card.GetString("type")).
			Set("cc_last4", card.GetString("last4")).
			Set("cc_exp_month", card.GetString("expiration_month")).
			Set("cc_exp_year", card.GetString("expiration_year"))
		return "creditcard", summary, nil
	}

	if c.GrandTotal() == 0 {
		return "free", record.New().Set("method", "free"), nil
	}

	amountCents := int64(c.GrandTotal()*100 + 0.5)
	resp, err := s.gateway.Authorize(ctx, payment.AuthRequest{
		Token:       pay.GetString("token"),
		CardNumber:  pay.GetString("card_number"),
		CardType:    pay.GetString("card_type"),
		ExpMonth:    pay.GetString("expiration_month"),
		ExpYear:     pay.GetString("expiration_year"),
		CVV:         pay.GetString("cvv"),
		AmountCents: amountCents,
		BillToName:  strings.TrimSpace(billing.GetString("firstname") + " " + billing.GetString("lastname")),
		BillToZip:   billing.GetString("zip"),
	})
	if err != nil {
		return "", nil, errors.Upstream("payment gateway unavailable", err)
	}
	if !resp.Approved() {
		return "", nil, errors.BadRequestf("payment declined: %s", resp.Message)
	}
	if resp.TransactionID == "" {
		return "", nil, errors.Internal("payment gateway returned no transaction id", nil)
	}

	ccType := pay.GetString("card_type")
	ccLast4 := lastFour(pay.GetString("card_number"))
	if token := pay.GetString("token"); token != "" && ccLast4 == "" {
		// Token-only payments carry no card details; recover them from the
		// vault entry the token was minted for.
		if card, err := s.stores.Cards.FindCardByToken(ctx, c.CustomerID, token); err == nil {
			ccType = card.GetString("type")
			ccLast4 = card.GetString("last4")
		}
	}
	summary := record.New().
		Set("method", "tokenized").
		Set("cc_type", ccType).
		Set("cc_last4", ccLast4).
		Set("transaction_id", resp.TransactionID)
	return "tokenized", summary, nil
}

func storedCardRef(pay *record.Record) string {
	for _, raw := range pay.GetList("links") {
		link, ok := raw.(*record.Record)
		if !ok {
			continue
		}
		if id := pathSuffix(link.GetString("href"), "/creditcard/"); id != "" {
			return id
		}
	}
	return ""
}

func lastFour(number string) string {
	if len(number) < 4 {
		return number
	}
	return number[len(number)-4:]
}

func (s *Service) buildOrder(c *cart.Cart, paySummary, shipping, billing *record.Record) *record.Record {
	now := s.now()

	items := make([]interface{}, 0, len(c.Items))
	for _, item := range c.Items {
		line := record.New().
			Set("product_id", item.ProductID).
			Set("name", item.Name).
			Set("type", item.ProductType).
			Set("price", item.UnitPrice).
			Set("qty", float64(item.Qty))
		if len(item.Attributes) > 0 {
			attrs := record.New()
			for _, label := range sortedLabels(item.Attributes) {
				attrs.Set(label, item.Attributes[label])
			}
			line.Set("attributes", attrs)
		}
		items = append(items, line)
	}

	order := record.New().
		Set("customer_id", c.CustomerID).
		Set("status", "pending").
		Set("created_at", now.Format(time.RFC3339)).
		Set("subtotal", c.Subtotal()).
		Set("shipping_amount", c.ShippingAmount).
		Set("tax_amount", c.TaxAmount).
		Set("discount_amount", c.DiscountAmount()).
		Set("credit_used", c.CreditUsed).
		Set("grand_total", c.GrandTotal()).
		Set("coupon_code", c.CouponCode).
		Set("items", items).
		Set("payment", paySummary)
	if shipping != nil {
		order.Set("shipping_address_id", shipping.GetString("entity_id"))
		order.Set("shipping_method", c.ShippingMethod)
	}
	if billing != nil {
		order.Set("billing_address_id", billing.GetString("entity_id"))
	}
	return order
}

func sortedLabels(attrs map[string]string) []string {
	labels := make([]string, 0, len(attrs))
	for label := range attrs {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// --- snapshot ---------------------------------------------------------------

// Snapshot projects the cart into the 202 response body: expiry, running
// totals, and per-line projections. Recomputed fresh every request; never
// cached.
func (s *Service) Snapshot(c *cart.Cart) *record.Record {
	now := s.now()
	expires := c.CountdownAnchor.Add(s.shelfLife)

	lines := make([]interface{}, 0, len(c.VisibleItems()))
	estShip := storage.EstimateShipDate(now).Format("2006-01-02")
	for _, item := range c.VisibleItems() {
		line := record.New().
			Set("name", item.Name).
			Set("price", item.UnitPrice).
			Set("qty", float64(item.Qty)).
			Set("type", item.ProductType)
		if len(item.Attributes) > 0 {
			attrs := record.New()
			for _, label := range sortedLabels(item.Attributes) {
				attrs.Set(label, item.Attributes[label])
			}
			line.Set("attributes", attrs)
		}
		if item.ProductType != cart.TypeVirtual {
			line.Set("estimated_ship_date", estShip)
		}
		lines = append(lines, line)
	}

	return record.New().
		Set("expires", expires.Format(time.RFC3339)).
		Set("subtotal", c.Subtotal()).
		Set("shipping_amount", c.ShippingAmount).
		Set("tax_amount", c.TaxAmount).
		Set("discount_amount", c.DiscountAmount()).
		Set("credit_used", c.CreditUsed).
		Set("savings_amount", c.Savings()).
		Set("grand_total", c.GrandTotal()).
		Set("products", lines)
}
