package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/harborpoint/storefront-api/internal/app/cache"
	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/httpapi"
	"github.com/harborpoint/storefront-api/internal/app/payment"
	"github.com/harborpoint/storefront-api/internal/app/services/cards"
	"github.com/harborpoint/storefront-api/internal/app/services/checkout"
	"github.com/harborpoint/storefront-api/internal/app/storage/memory"
	"github.com/harborpoint/storefront-api/internal/config"
	"github.com/harborpoint/storefront-api/internal/middleware"
	"github.com/harborpoint/storefront-api/pkg/logger"
)

type testAPI struct {
	store   *memory.Store
	gateway *payment.StaticGateway
	cfg     *config.Config
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := memory.New()
	gateway := payment.NewStaticGateway()
	log := logger.NewNop()

	cfg := config.Default()
	cfg.Environment = "production"
	cfg.BaseWebURL = "https://shop.example.com"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Cache.DefaultTTL = time.Minute

	chk := checkout.New(checkout.Stores{
		Carts:     store,
		Products:  store,
		Addresses: store,
		Regions:   store,
		Customers: store,
		Orders:    store,
		Cards:     store,
		Rater:     store,
		Coupons:   store,
	}, gateway, cfg.Cart.ShelfLife, log)

	revocations := middleware.NewRevocations()
	h := httpapi.New(cfg, httpapi.Services{
		Customers:   store,
		Addresses:   store,
		Regions:     store,
		Products:    store,
		Events:      store,
		Orders:      store,
		Profiles:    store.Legacy(),
		Cards:       cards.New(store, store.Legacy(), gateway, log),
		Checkout:    chk,
		Gate:        cache.NewGate(cache.NewMemory(), cache.Options{}, log),
		Revocations: revocations,
	}, log)

	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), revocations, log, []string{"/auth", "/user"})
	return &testAPI{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		handler: auth.Handler(h.Router()),
	}
}

func (a *testAPI) seedCatalog(t *testing.T) {
	t.Helper()
	now := time.Now().UTC()
	a.store.AddRegion(record.New().
		Set("region_id", "12").
		Set("name", "California").
		Set("code", "CA").
		Set("country_id", "US"))
	a.store.AddEvent(record.New().
		Set("entity_id", "300").
		Set("name", "Spring Sale").
		Set("url_key", "spring-sale").
		Set("event_start_date", now.Add(-time.Hour).Format(time.RFC3339)).
		Set("event_end_date", now.Add(24*time.Hour).Format(time.RFC3339)).
		Set("departments", "girls, boys").
		Set("ages", "baby").
		Set("default_image", "spring.jpg"))
	a.store.AddProduct(record.New().
		Set("entity_id", "55").
		Set("event_id", "300").
		Set("name", "Toddler Romper").
		Set("type_id", "simple").
		Set("price", 24.0).
		Set("special_price", 12.0).
		Set("url_key", "toddler-romper").
		Set("position", 1.0))
}

// seedCustomer registers a customer directly in the store and returns
// (customer id, bearer token).
func (a *testAPI) seedCustomer(t *testing.T, email string) (string, string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	customer, err := a.store.CreateCustomer(context.Background(), record.New().
		Set("firstname", "Jane").
		Set("lastname", "Doe").
		Set("email", email).
		Set("password_hash", string(hash)))
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	id := customer.GetString("entity_id")
	token, _, err := middleware.IssueToken([]byte(a.cfg.Auth.JWTSecret), uuid.NewString(), id, email, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return id, token
}

func (a *testAPI) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return doc
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) []map[string]interface{} {
	t.Helper()
	var docs []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &docs); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return docs
}

func TestEventListing(t *testing.T) {
	api := newTestAPI(t)
	api.seedCatalog(t)

	rec := api.do(t, http.MethodGet, "/event", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	events := decodeList(t, rec)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev["id"] != "300" || ev["name"] != "Spring Sale" {
		t.Fatalf("event = %v", ev)
	}
	if pct, _ := ev["max_discount_pct"].(float64); pct != 50 {
		t.Fatalf("max_discount_pct = %v, want 50", ev["max_discount_pct"])
	}
	deps, _ := ev["department"].([]interface{})
	if len(deps) != 2 || deps[0] != "girls" {
		t.Fatalf("department = %v", ev["department"])
	}
	image, _ := ev["image"].(map[string]interface{})
	if image["default"] != "https://shop.example.com/media/catalog/category/spring.jpg" {
		t.Fatalf("image = %v", ev["image"])
	}
	links, _ := ev["links"].([]interface{})
	if len(links) != 3 {
		t.Fatalf("links = %v", ev["links"])
	}
	self, _ := links[0].(map[string]interface{})
	if self["href"] != "/event/300" {
		t.Fatalf("self link = %v", self)
	}

	rec = api.do(t, http.MethodGet, "/event?when=forever", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Header().Get("X-API-Error") == "" {
		t.Fatal("expected X-API-Error header")
	}
}

func TestEventListingServedFromCache(t *testing.T) {
	api := newTestAPI(t)
	api.seedCatalog(t)

	first := api.do(t, http.MethodGet, "/event", "", "")
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}

	// A catalog change is invisible until the entry expires or is flushed.
	api.store.AddEvent(record.New().
		Set("entity_id", "301").
		Set("name", "Flash Sale").
		Set("event_start_date", time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)).
		Set("event_end_date", time.Now().UTC().Add(time.Hour).Format(time.RFC3339)))
	api.store.AddProduct(record.New().
		Set("entity_id", "56").
		Set("event_id", "301").
		Set("name", "Throwaway").
		Set("type_id", "simple").
		Set("price", 10.0))

	second := api.do(t, http.MethodGet, "/event", "", "")
	if second.Code != http.StatusOK {
		t.Fatalf("status = %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatal("second read should come from cache")
	}
	if !strings.HasPrefix(second.Header().Get("Cache-Control"), "max-age=") {
		t.Fatalf("Cache-Control = %q", second.Header().Get("Cache-Control"))
	}

	third := api.do(t, http.MethodGet, "/event?skipCache=1", "", "")
	if third.Body.String() == first.Body.String() {
		t.Fatal("skipCache should bypass the stored entry")
	}
}

func TestProductDetail(t *testing.T) {
	api := newTestAPI(t)
	api.seedCatalog(t)

	rec := api.do(t, http.MethodGet, "/product/55", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	doc := decodeBody(t, rec)
	price, _ := doc["price"].(map[string]interface{})
	if price["price"] != 12.0 || price["orig"] != 24.0 {
		t.Fatalf("price = %v", doc["price"])
	}
	if _, hasLinks := price["links"]; hasLinks {
		t.Fatal("embedded documents must not carry links")
	}
	if doc["shipping_returns"] == "" {
		t.Fatal("expected shipping_returns copy")
	}

	rec = api.do(t, http.MethodGet, "/product/999", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUserRegistrationAndSessions(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/user", "", `{"firstname":"Ada","lastname":"L","email":"ada@example.com","password":"secret123"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	doc := decodeBody(t, rec)
	id, _ := doc["id"].(string)
	if id == "" {
		t.Fatalf("body = %v", doc)
	}
	if rec.Header().Get("Location") != "/user/"+id {
		t.Fatalf("Location = %q", rec.Header().Get("Location"))
	}
	if _, leaked := doc["password_hash"]; leaked {
		t.Fatal("password hash leaked into the projection")
	}

	// Duplicate registration conflicts.
	rec = api.do(t, http.MethodPost, "/user", "", `{"email":"ada@example.com","password":"x"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/auth", "", `{"email":"ada@example.com","password":"wrong"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/auth", "", `{"email":"ada@example.com","password":"secret123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	session := decodeBody(t, rec)
	token, _ := session["token"].(string)
	if token == "" || session["expires"] == "" {
		t.Fatalf("session = %v", session)
	}

	rec = api.do(t, http.MethodGet, "/user/"+id, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	profile := decodeBody(t, rec)
	if profile["email"] != "ada@example.com" {
		t.Fatalf("profile = %v", profile)
	}
	if profile["invitation_url"] == "" {
		t.Fatal("expected invitation_url")
	}

	// Anonymous and foreign callers are both rejected.
	if rec := api.do(t, http.MethodGet, "/user/"+id, "", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous status = %d, want 403", rec.Code)
	}
	_, otherToken := api.seedCustomer(t, "other@example.com")
	if rec := api.do(t, http.MethodGet, "/user/"+id, otherToken, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign status = %d, want 403", rec.Code)
	}

	// Sign-out revokes the token for every later request.
	if rec := api.do(t, http.MethodDelete, "/auth", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("sign-out status = %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/user/"+id, token, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token status = %d, want 401", rec.Code)
	}
}

func TestAddressBook(t *testing.T) {
	api := newTestAPI(t)
	api.seedCatalog(t)
	id, token := api.seedCustomer(t, "jane@example.com")

	rec := api.do(t, http.MethodPost, "/user/"+id+"/address", token,
		`{"firstname":"Jane","lastname":"Doe","street":["100 Main St","Apt 4"],"city":"Oakland","region":"Nowhere","zip":"94601"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown region status = %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/user/"+id+"/address", token,
		`{"firstname":"Jane","lastname":"Doe","street":["100 Main St","Apt 4"],"city":"Oakland","region":"CA","zip":"94601","country":"US","default_shipping":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	addrID, _ := created["id"].(string)
	if rec.Header().Get("Location") != "/address/"+addrID {
		t.Fatalf("Location = %q", rec.Header().Get("Location"))
	}
	if created["region"] != "California" {
		t.Fatalf("region = %v", created["region"])
	}
	// The aliased country key round-trips through the mutation.
	if created["country"] != "US" {
		t.Fatalf("country = %v", created["country"])
	}
	street, _ := created["street"].([]interface{})
	if len(street) != 2 || street[1] != "Apt 4" {
		t.Fatalf("street = %v", created["street"])
	}
	if created["default_shipping"] != true {
		t.Fatalf("default_shipping = %v", created["default_shipping"])
	}

	// An address held by a legacy payment profile stays out of the book.
	hidden, err := api.store.CreateAddress(context.Background(), record.New().
		Set("customer_id", id).
		Set("firstname", "Jane").
		Set("street", "1 Hidden Way").
		Set("city", "Oakland").
		Set("zip", "94601"))
	if err != nil {
		t.Fatalf("seed hidden address: %v", err)
	}
	api.store.AddProfile(record.New().
		Set("subscription_id", "900").
		Set("customer_id", id).
		Set("address_id", hidden.GetString("entity_id")))

	rec = api.do(t, http.MethodGet, "/user/"+id+"/address", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	book := decodeList(t, rec)
	if len(book) != 1 {
		t.Fatalf("got %d addresses, want 1", len(book))
	}

	if rec := api.do(t, http.MethodDelete, "/address/"+addrID, token, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/address/"+addrID, token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d", rec.Code)
	}
}

func TestCreditCardEndpoints(t *testing.T) {
	api := newTestAPI(t)
	id, token := api.seedCustomer(t, "jane@example.com")

	rec := api.do(t, http.MethodPost, "/user/"+id+"/creditcard", token,
		`{"type":"AE","card_number":"378282246310005","expiration_month":"04","expiration_year":"2027","cvv":"1234"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	card := decodeBody(t, rec)
	if card["type"] != "AX" || card["cc_last4"] != "0005" {
		t.Fatalf("card = %v", card)
	}
	if strings.Contains(rec.Body.String(), "378282246310005") {
		t.Fatal("card number leaked into the response")
	}

	api.store.AddProfile(record.New().
		Set("subscription_id", "900").
		Set("customer_id", id).
		Set("card_type", "VI").
		Set("last4no", "1111"))

	rec = api.do(t, http.MethodGet, "/user/"+id+"/creditcard", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	all := decodeList(t, rec)
	if len(all) != 2 {
		t.Fatalf("got %d cards, want 2", len(all))
	}
	if all[1]["legacy"] != true || all[1]["cc_last4"] != "1111" {
		t.Fatalf("legacy card = %v", all[1])
	}

	// Legacy card ids resolve and delete through the same endpoint.
	if rec := api.do(t, http.MethodDelete, "/creditcard/900", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("legacy delete status = %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/creditcard/900", token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d", rec.Code)
	}
}

func TestCartBuildScenario(t *testing.T) {
	api := newTestAPI(t)
	api.seedCatalog(t)
	id, token := api.seedCustomer(t, "jane@example.com")

	rec := api.do(t, http.MethodPost, "/user/"+id+"/order", token,
		`{"products":[{"links":[{"href":"/product/55"}],"qty":2}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	snap := decodeBody(t, rec)
	if snap["expires"] == "" {
		t.Fatal("expected computed expires field")
	}
	lines, _ := snap["products"].([]interface{})
	if len(lines) != 1 {
		t.Fatalf("products = %v", snap["products"])
	}
	line, _ := lines[0].(map[string]interface{})
	if line["name"] != "Toddler Romper" || line["qty"] != 2.0 {
		t.Fatalf("line = %v", line)
	}

	// The repeated delta batches into the same line item.
	rec = api.do(t, http.MethodPost, "/user/"+id+"/order", token,
		`{"products":[{"links":[{"href":"/product/55"}],"qty":3}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	snap = decodeBody(t, rec)
	lines, _ = snap["products"].([]interface{})
	if len(lines) != 1 {
		t.Fatalf("got %d line items, want 1", len(lines))
	}
	line, _ = lines[0].(map[string]interface{})
	if line["qty"] != 3.0 {
		t.Fatalf("qty = %v, want 3", line["qty"])
	}
}

func TestCheckoutCreatesOrder(t *testing.T) {
	api := newTestAPI(t)
	api.seedCatalog(t)
	id, token := api.seedCustomer(t, "jane@example.com")

	rec := api.do(t, http.MethodPost, "/user/"+id+"/order", token,
		`{"products":[{"links":[{"href":"/product/55"}],"qty":1}],`+
			`"shipping_address":{"firstname":"Jane","lastname":"Doe","street":"100 Main St","city":"Oakland","state":"CA","zip":"94601"},`+
			`"payment":{"card_number":"4111111111111111","card_type":"VI","expiration_month":"01","expiration_year":"2028","cvv":"123"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	order := decodeBody(t, rec)
	orderID, _ := order["id"].(string)
	if rec.Header().Get("Location") != "/order/"+orderID {
		t.Fatalf("Location = %q", rec.Header().Get("Location"))
	}
	totals, _ := order["totals"].(map[string]interface{})
	if totals["subtotal"] != 12.0 {
		t.Fatalf("totals = %v", order["totals"])
	}

	rec = api.do(t, http.MethodGet, "/order/"+orderID, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	detail := decodeBody(t, rec)
	pay, _ := detail["payment"].(map[string]interface{})
	if pay["method"] != "tokenized" {
		t.Fatalf("payment = %v", detail["payment"])
	}
	if strings.Contains(rec.Body.String(), "4111111111111111") {
		t.Fatal("card number leaked into the order document")
	}
	lines, _ := detail["products"].([]interface{})
	if len(lines) != 1 {
		t.Fatalf("products = %v", detail["products"])
	}
	line, _ := lines[0].(map[string]interface{})
	lineLinks, _ := line["links"].([]interface{})
	if len(lineLinks) == 0 {
		t.Fatalf("line = %v", line)
	}

	rec = api.do(t, http.MethodGet, "/user/"+id+"/order", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	listing := decodeList(t, rec)
	if len(listing) != 1 || listing[0]["id"] != orderID {
		t.Fatalf("listing = %v", listing)
	}

	// Checkout clears the session cart.
	rec = api.do(t, http.MethodPost, "/user/"+id+"/order", token, `{}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	snap := decodeBody(t, rec)
	if lines, _ := snap["products"].([]interface{}); len(lines) != 0 {
		t.Fatalf("cart should be empty after checkout, got %v", snap["products"])
	}
}
