package checkout

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/harborpoint/storefront-api/internal/app/domain/cart"
	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/payment"
	"github.com/harborpoint/storefront-api/internal/app/storage/memory"
	"github.com/harborpoint/storefront-api/internal/errors"
	"github.com/harborpoint/storefront-api/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *memory.Store, *payment.StaticGateway) {
	t.Helper()

	store := memory.New()
	store.AddProduct(record.New().
		Set("entity_id", "55").
		Set("name", "Toddler Romper").
		Set("type_id", "simple").
		Set("price", 24.0).
		Set("special_price", 12.0).
		Set("weight", 0.5))
	store.AddProduct(record.New().
		Set("entity_id", "60").
		Set("name", "Gift Certificate").
		Set("type_id", "virtual").
		Set("price", 50.0))
	store.AddProduct(record.New().
		Set("entity_id", "70").
		Set("name", "Kids Tee").
		Set("type_id", "configurable").
		Set("price", 18.0).
		Set("configurable_attributes", record.New().
			Set("Color", []interface{}{"Red", "Blue"}).
			Set("Size", []interface{}{"2T", "3T"})))

	gw := payment.NewStaticGateway()
	svc := New(Stores{
		Carts:     store,
		Products:  store,
		Addresses: store,
		Regions:   store,
		Customers: store,
		Orders:    store,
		Cards:     store,
		Rater:     store,
		Coupons:   store,
	}, gw, 15*time.Minute, logger.NewNop())
	return svc, store, gw
}

func productDelta(id string, qty float64) *record.Record {
	link := record.New().Set("href", "/product/"+id)
	return record.New().
		Set("links", []interface{}{link}).
		Set("qty", qty)
}

func seedCustomerWithAddress(t *testing.T, store *memory.Store, customerID string) string {
	t.Helper()
	if _, err := store.CreateCustomer(context.Background(), record.New().
		Set("entity_id", customerID).
		Set("firstname", "Jane").
		Set("email", customerID+"@example.com")); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	addr, err := store.CreateAddress(context.Background(), record.New().
		Set("customer_id", customerID).
		Set("firstname", "Jane").
		Set("lastname", "Doe").
		Set("street", "100 Main St").
		Set("city", "Brooklyn").
		Set("zip", "11201").
		Set("country", "US"))
	if err != nil {
		t.Fatalf("seed address: %v", err)
	}
	return addr.GetString("entity_id")
}

func TestAddAndBatchUpdateSingleLineItem(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := record.New().Set("products", []interface{}{productDelta("55", 2)})
	out, err := svc.Apply(ctx, "7", req)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if out.CheckedOut() {
		t.Fatal("cart with no payment should not check out")
	}
	if len(out.Cart.Items) != 1 || out.Cart.Items[0].Qty != 2 {
		t.Fatalf("items = %+v", out.Cart.Items)
	}

	// Repeating the delta updates the existing line, it never duplicates.
	req = record.New().Set("products", []interface{}{productDelta("55", 3)})
	out, err = svc.Apply(ctx, "7", req)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(out.Cart.Items) != 1 {
		t.Fatalf("got %d line items, want 1", len(out.Cart.Items))
	}
	if out.Cart.Items[0].Qty != 3 {
		t.Fatalf("qty = %d, want 3", out.Cart.Items[0].Qty)
	}
}

func TestUnresolvableProductReference(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := record.New().Set("products", []interface{}{productDelta("999", 1)})
	_, err := svc.Apply(context.Background(), "7", req)
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("want 400, got %v", err)
	}
}

func TestVirtualItemQuantityImmutable(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{productDelta("60", 1)})); err != nil {
		t.Fatalf("add virtual: %v", err)
	}

	_, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{productDelta("60", 2)}))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusConflict {
		t.Fatalf("want 409, got %v", err)
	}

	// The recorded quantity is unchanged after the conflict.
	c, err := store.LoadCart(ctx, "7")
	if err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if len(c.Items) != 1 || c.Items[0].Qty != 1 {
		t.Fatalf("cart after conflict = %+v", c.Items)
	}

	// Quantity zero removes the virtual line.
	out, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{productDelta("60", 0)}))
	if err != nil {
		t.Fatalf("remove virtual: %v", err)
	}
	if len(out.Cart.Items) != 0 {
		t.Fatalf("items after removal = %+v", out.Cart.Items)
	}
}

func TestConfigurableVariantResolution(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	red := productDelta("70", 1).Set("attributes", record.New().Set("Color", "Red").Set("Size", "2T"))
	blue := productDelta("70", 1).Set("attributes", record.New().Set("Color", "Blue").Set("Size", "2T"))

	out, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{red, blue}))
	if err != nil {
		t.Fatalf("apply variants: %v", err)
	}
	if len(out.Cart.Items) != 2 {
		t.Fatalf("distinct variants should be distinct lines, got %d", len(out.Cart.Items))
	}

	// Same variant signature updates in place.
	redAgain := productDelta("70", 4).Set("attributes", record.New().Set("Size", "2T").Set("Color", "Red"))
	out, err = svc.Apply(ctx, "7", record.New().Set("products", []interface{}{redAgain}))
	if err != nil {
		t.Fatalf("update variant: %v", err)
	}
	if len(out.Cart.Items) != 2 {
		t.Fatalf("got %d lines, want 2", len(out.Cart.Items))
	}
	idx := out.Cart.FindItem("70", cart.TypeConfigurable, map[string]string{"Color": "Red", "Size": "2T"})
	if idx < 0 || out.Cart.Items[idx].Qty != 4 {
		t.Fatalf("red variant not updated: %+v", out.Cart.Items)
	}

	// Invalid attribute value names the attribute in the 400.
	bad := productDelta("70", 1).Set("attributes", record.New().Set("Color", "Chartreuse").Set("Size", "2T"))
	_, err = svc.Apply(ctx, "7", record.New().Set("products", []interface{}{bad}))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("want 400, got %v", err)
	}
}

func TestCheckoutGating(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	addrID := seedCustomerWithAddress(t, store, "7")

	// Items, no payment: 202 path.
	out, err := svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 2)}).
		Set("shipping_address", record.New().
			Set("links", []interface{}{record.New().Set("href", "/address/" + addrID)})))
	if err != nil {
		t.Fatalf("build cart: %v", err)
	}
	if out.CheckedOut() {
		t.Fatal("no payment, must not submit")
	}
	if out.Cart.ShippingMethod == "" || out.Cart.ShippingAmount == 0 {
		t.Fatalf("shipping not defaulted: %+v", out.Cart)
	}

	// Payment but empty cart: still 202.
	emptyOut, err := svc.Apply(ctx, "other", record.New().
		Set("payment", record.New().Set("card_number", "4111111111111111")))
	if err != nil {
		t.Fatalf("empty cart apply: %v", err)
	}
	if emptyOut.CheckedOut() {
		t.Fatal("empty cart must not submit")
	}

	// Items plus payment: submits, 201 path, cart discarded.
	out, err = svc.Apply(ctx, "7", record.New().
		Set("payment", record.New().
			Set("card_number", "4111111111111111").
			Set("card_type", "VI").
			Set("expiration_month", "04").
			Set("expiration_year", "2028").
			Set("cvv", "123")))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !out.CheckedOut() {
		t.Fatal("expected order")
	}
	if out.Order.GetString("entity_id") == "" {
		t.Fatal("order has no id")
	}
	if got := out.Order.GetFloat("subtotal"); got != 24.0 {
		t.Fatalf("subtotal = %v, want 24.0", got)
	}

	after, _ := store.LoadCart(ctx, "7")
	if len(after.Items) != 0 {
		t.Fatal("cart should be discarded after checkout")
	}
}

func TestCheckoutRequiresCompleteAddress(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if _, err := store.CreateCustomer(ctx, record.New().Set("entity_id", "7").Set("email", "7@example.com")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	incomplete, err := store.CreateAddress(ctx, record.New().
		Set("customer_id", "7").
		Set("firstname", "Jane").
		Set("city", "Brooklyn"))
	if err != nil {
		t.Fatalf("seed address: %v", err)
	}

	_, err = svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 1)}).
		Set("shipping_address", record.New().
			Set("links", []interface{}{record.New().Set("href", "/address/" + incomplete.GetString("entity_id"))})).
		Set("payment", record.New().Set("card_number", "4111111111111111")))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("want 400 for incomplete address, got %v", err)
	}

	// The cart survives the failed submit.
	c, _ := store.LoadCart(ctx, "7")
	if len(c.Items) != 1 {
		t.Fatal("cart lost after failed submit")
	}
}

func TestStoredCardCheckout(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()
	addrID := seedCustomerWithAddress(t, store, "7")

	card, err := store.CreateCard(ctx, record.New().
		Set("customer_id", "7").
		Set("type", "MC").
		Set("last4", "4444").
		Set("expiration_month", "04").
		Set("expiration_year", "2028").
		Set("vault_id", "tok-77"))
	if err != nil {
		t.Fatalf("seed card: %v", err)
	}

	out, err := svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 1)}).
		Set("shipping_address", record.New().
			Set("links", []interface{}{record.New().Set("href", "/address/" + addrID)})).
		Set("payment", record.New().
			Set("links", []interface{}{record.New().Set("href", "/creditcard/" + card.GetString("entity_id"))})))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !out.CheckedOut() {
		t.Fatal("expected order")
	}
	pm := out.Order.GetRecord("payment")
	if pm.GetString("method") != "creditcard" || pm.GetString("cc_last4") != "4444" {
		t.Fatalf("payment summary = %v", pm.Keys())
	}
	// Stored-card checkout does not hit the gateway.
	if len(gw.Authorizations) != 0 {
		t.Fatalf("gateway called %d times", len(gw.Authorizations))
	}
}

func TestInvalidStoredCardIsConflict(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	addrID := seedCustomerWithAddress(t, store, "7")

	_, err := svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 1)}).
		Set("shipping_address", record.New().
			Set("links", []interface{}{record.New().Set("href", "/address/" + addrID)})).
		Set("payment", record.New().
			Set("links", []interface{}{record.New().Set("href", "/creditcard/404")})))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusConflict {
		t.Fatalf("want 409, got %v", err)
	}
}

func TestDeclinedPaymentIs400AndCartIntact(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()
	addrID := seedCustomerWithAddress(t, store, "7")

	gw.Responses = map[string]payment.AuthResponse{
		"4000000000000002": {TransactionID: "t1", Code: "110", Message: "Insufficient Funds"},
	}

	_, err := svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 1)}).
		Set("shipping_address", record.New().
			Set("links", []interface{}{record.New().Set("href", "/address/" + addrID)})).
		Set("payment", record.New().
			Set("card_number", "4000000000000002").
			Set("card_type", "VI")))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("want 400 decline, got %v", err)
	}

	c, _ := store.LoadCart(ctx, "7")
	if len(c.Items) != 1 {
		t.Fatal("cart lost after decline")
	}
}

func TestGatewayAnomalyIs500(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()
	addrID := seedCustomerWithAddress(t, store, "7")

	gw.Responses = map[string]payment.AuthResponse{
		"4111111111111111": {Code: payment.ApprovalCode, Message: "Approved"}, // no transaction id
	}

	_, err := svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 1)}).
		Set("shipping_address", record.New().
			Set("links", []interface{}{record.New().Set("href", "/address/" + addrID)})).
		Set("payment", record.New().Set("card_number", "4111111111111111")))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("want 500 anomaly, got %v", err)
	}
}

func TestSnapshotFields(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{
		productDelta("55", 2),
		productDelta("60", 1),
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := svc.Snapshot(out.Cart)
	if snap.GetString("expires") == "" {
		t.Fatal("snapshot missing expires")
	}
	if got := snap.GetFloat("subtotal"); got != 74.0 {
		t.Fatalf("subtotal = %v, want 74.0", got)
	}
	// 2 units at 12.00 against a 24.00 original price.
	if got := snap.GetFloat("savings_amount"); got != 24.0 {
		t.Fatalf("savings = %v, want 24.0", got)
	}

	lines := snap.GetList("products")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	simple := lines[0].(*record.Record)
	if simple.GetString("name") != "Toddler Romper" || simple.GetFloat("qty") != 2 {
		t.Fatalf("line = %v", simple.Keys())
	}
	if simple.GetString("estimated_ship_date") == "" {
		t.Fatal("physical line missing estimated ship date")
	}
	virtual := lines[1].(*record.Record)
	if virtual.Has("estimated_ship_date") {
		t.Fatal("virtual line must not carry estimated ship date")
	}
}

func TestInlineAddressRegionValidation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	store.AddRegion(record.New().
		Set("region_id", "43").
		Set("name", "New York").
		Set("code", "NY").
		Set("country_id", "US"))

	out, err := svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 1)}).
		Set("shipping_address", record.New().
			Set("firstname", "Jane").
			Set("lastname", "Doe").
			Set("street", "100 Main St").
			Set("city", "Brooklyn").
			Set("state", "NY").
			Set("zip", "11201").
			Set("country", "US")))
	if err != nil {
		t.Fatalf("inline address: %v", err)
	}
	if out.Cart.ShippingAddressID == "" {
		t.Fatal("inline address not stored")
	}
	saved, err := store.GetAddress(ctx, out.Cart.ShippingAddressID)
	if err != nil {
		t.Fatalf("load saved address: %v", err)
	}
	if saved.GetString("region_id") != "43" {
		t.Fatalf("region not resolved: %v", saved.Keys())
	}

	_, err = svc.Apply(ctx, "7", record.New().
		Set("billing_address", record.New().
			Set("firstname", "Jane").
			Set("state", "Atlantis").
			Set("country", "US")))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("want 400 for unknown region, got %v", err)
	}
}

func TestMixedRemovalAppliesHighestIndexFirst(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{
		productDelta("55", 2),
		productDelta("60", 1),
	})); err != nil {
		t.Fatalf("seed cart: %v", err)
	}

	// Zero the virtual line (index 1) before the simple line (index 0) in
	// one request; both removals must land.
	out, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{
		productDelta("60", 0),
		productDelta("55", 0),
	}))
	if err != nil {
		t.Fatalf("mixed removal: %v", err)
	}
	if len(out.Cart.Items) != 0 {
		t.Fatalf("items after removal = %+v", out.Cart.Items)
	}

	c, err := store.LoadCart(ctx, "7")
	if err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if len(c.Items) != 0 {
		t.Fatalf("persisted items = %+v", c.Items)
	}
}

func TestConflictingBatchQuantitiesRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{productDelta("55", 2)})); err != nil {
		t.Fatalf("seed cart: %v", err)
	}

	_, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{
		productDelta("55", 3),
		productDelta("55", 5),
	}))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusConflict {
		t.Fatalf("want 409 for conflicting batch, got %v", err)
	}

	// The whole batch is rejected; the prior quantity survives.
	c, _ := store.LoadCart(ctx, "7")
	if len(c.Items) != 1 || c.Items[0].Qty != 2 {
		t.Fatalf("cart after conflict = %+v", c.Items)
	}

	// Agreeing duplicates are not a conflict.
	out, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{
		productDelta("55", 4),
		productDelta("55", 4),
	}))
	if err != nil {
		t.Fatalf("duplicate deltas: %v", err)
	}
	if len(out.Cart.Items) != 1 || out.Cart.Items[0].Qty != 4 {
		t.Fatalf("items = %+v", out.Cart.Items)
	}
}

func TestCouponDiscountFlowsIntoTotals(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	store.AddCoupon("SAVE10", "percent", 10)

	out, err := svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 2)}).
		Set("coupon_code", "SAVE10"))
	if err != nil {
		t.Fatalf("apply coupon: %v", err)
	}

	snap := svc.Snapshot(out.Cart)
	// 10% of the 24.00 subtotal.
	if got := snap.GetFloat("discount_amount"); got != 2.4 {
		t.Fatalf("discount = %v, want 2.4", got)
	}
	if got := snap.GetFloat("grand_total"); got != 21.6 {
		t.Fatalf("grand total = %v, want 21.6", got)
	}

	// The discount repriced when the cart shrinks.
	out, err = svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 1)}))
	if err != nil {
		t.Fatalf("shrink cart: %v", err)
	}
	if got := svc.Snapshot(out.Cart).GetFloat("discount_amount"); got != 1.2 {
		t.Fatalf("repriced discount = %v, want 1.2", got)
	}
}

func TestUnknownCouponIs400AndCleared(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, "7", record.New().Set("products", []interface{}{productDelta("55", 1)})); err != nil {
		t.Fatalf("seed cart: %v", err)
	}

	_, err := svc.Apply(ctx, "7", record.New().Set("coupon_code", "NOPE"))
	svcErr := errors.GetServiceError(err)
	if svcErr == nil || svcErr.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("want 400 for unknown coupon, got %v", err)
	}

	// A later request is not poisoned by the rejected code.
	out, err := svc.Apply(ctx, "7", record.New())
	if err != nil {
		t.Fatalf("follow-up apply: %v", err)
	}
	if out.Cart.CouponCode != "" || svc.Snapshot(out.Cart).GetFloat("discount_amount") != 0 {
		t.Fatalf("coupon not cleared: %+v", out.Cart)
	}
}

func TestTokenPaymentRecoversCardDetails(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	addrID := seedCustomerWithAddress(t, store, "7")

	if _, err := store.CreateCard(ctx, record.New().
		Set("customer_id", "7").
		Set("type", "VI").
		Set("last4", "4242").
		Set("vault_id", "tok-77")); err != nil {
		t.Fatalf("seed card: %v", err)
	}

	out, err := svc.Apply(ctx, "7", record.New().
		Set("products", []interface{}{productDelta("55", 1)}).
		Set("shipping_address", record.New().
			Set("links", []interface{}{record.New().Set("href", "/address/"+addrID)})).
		Set("payment", record.New().Set("token", "tok-77")))
	if err != nil {
		t.Fatalf("token checkout: %v", err)
	}
	if !out.CheckedOut() {
		t.Fatal("expected order")
	}

	pay := out.Order.GetRecord("payment")
	if pay == nil {
		t.Fatal("order has no payment summary")
	}
	if pay.GetString("method") != "tokenized" {
		t.Fatalf("method = %q", pay.GetString("method"))
	}
	if pay.GetString("cc_type") != "VI" || pay.GetString("cc_last4") != "4242" {
		t.Fatalf("card details not recovered from vault: %v", pay.Keys())
	}
}
