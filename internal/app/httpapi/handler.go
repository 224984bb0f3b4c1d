// Package httpapi exposes the storefront REST surface. Every controller
// follows the same lifecycle: authorize the caller, load domain records,
// consult the cache gate, enrich and project, store, respond.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/harborpoint/storefront-api/internal/app/cache"
	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/render"
	"github.com/harborpoint/storefront-api/internal/app/services/cards"
	"github.com/harborpoint/storefront-api/internal/app/services/checkout"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/config"
	"github.com/harborpoint/storefront-api/internal/errors"
	"github.com/harborpoint/storefront-api/internal/middleware"
	"github.com/harborpoint/storefront-api/pkg/logger"
)

// Services bundles the collaborators behind the REST surface.
type Services struct {
	Customers   storage.CustomerStore
	Addresses   storage.AddressStore
	Regions     storage.RegionDirectory
	Products    storage.ProductStore
	Events      storage.EventStore
	Orders      storage.OrderStore
	Profiles    storage.LegacyProfileStore
	Cards       *cards.Service
	Checkout    *checkout.Service
	Gate        *cache.Gate
	Revocations *middleware.Revocations
}

// Handler serves the REST API.
type Handler struct {
	cfg *config.Config
	log *logger.Logger
	svc Services

	router    *mux.Router
	projector *render.Projector
}

// New creates the handler and its route table.
func New(cfg *config.Config, svc Services, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &Handler{cfg: cfg, log: log, svc: svc}
	h.router = h.routes()
	h.projector = render.New(&MuxResolver{Router: h.router})
	return h
}

// Router exposes the mux for middleware wrapping.
func (h *Handler) Router() *mux.Router { return h.router }

// routes builds the route table. Route names follow "resource.method" so
// link specs can reference them through the resolver.
func (h *Handler) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/event", h.listEvents).Methods(http.MethodGet).Name("event.list")
	r.HandleFunc("/event/{entity_id}", h.getEvent).Methods(http.MethodGet).Name("event.get")
	r.HandleFunc("/event/{entity_id}/product", h.listEventProducts).Methods(http.MethodGet).Name("event.products")
	r.HandleFunc("/product/{entity_id}", h.getProduct).Methods(http.MethodGet).Name("product.get")

	r.HandleFunc("/user", h.createUser).Methods(http.MethodPost).Name("user.create")
	r.HandleFunc("/user/{entity_id}", h.getUser).Methods(http.MethodGet).Name("user.get")
	r.HandleFunc("/user/{entity_id}", h.updateUser).Methods(http.MethodPut).Name("user.update")
	r.HandleFunc("/user/{entity_id}", h.deleteUser).Methods(http.MethodDelete).Name("user.delete")

	r.HandleFunc("/user/{entity_id}/address", h.listAddresses).Methods(http.MethodGet).Name("address.list")
	r.HandleFunc("/user/{entity_id}/address", h.createAddress).Methods(http.MethodPost).Name("address.create")
	r.HandleFunc("/address/{entity_id}", h.getAddress).Methods(http.MethodGet).Name("address.get")
	r.HandleFunc("/address/{entity_id}", h.updateAddress).Methods(http.MethodPut).Name("address.update")
	r.HandleFunc("/address/{entity_id}", h.deleteAddress).Methods(http.MethodDelete).Name("address.delete")

	r.HandleFunc("/user/{entity_id}/creditcard", h.listCards).Methods(http.MethodGet).Name("creditcard.list")
	r.HandleFunc("/user/{entity_id}/creditcard", h.createCard).Methods(http.MethodPost).Name("creditcard.create")
	r.HandleFunc("/creditcard/{entity_id}", h.getCard).Methods(http.MethodGet).Name("creditcard.get")
	r.HandleFunc("/creditcard/{entity_id}", h.deleteCard).Methods(http.MethodDelete).Name("creditcard.delete")

	r.HandleFunc("/user/{entity_id}/order", h.listOrders).Methods(http.MethodGet).Name("order.list")
	r.HandleFunc("/user/{entity_id}/order", h.createOrder).Methods(http.MethodPost).Name("order.create")
	r.HandleFunc("/order/{entity_id}", h.getOrder).Methods(http.MethodGet).Name("order.get")

	r.HandleFunc("/auth", h.createSession).Methods(http.MethodPost).Name("auth.create")
	r.HandleFunc("/auth", h.deleteSession).Methods(http.MethodDelete).Name("auth.delete")

	return r
}

// MuxResolver resolves (resource, method) link references against the
// router's named routes.
type MuxResolver struct {
	Router *mux.Router
}

var _ render.PathResolver = (*MuxResolver)(nil)

func (m *MuxResolver) ResolvePath(resource, method string) (string, error) {
	route := m.Router.Get(resource + "." + method)
	if route == nil {
		return "", fmt.Errorf("no route named %s.%s", resource, method)
	}
	return route.GetPathTemplate()
}

// --- request/response helpers ---

func pathID(r *http.Request) string {
	return mux.Vars(r)["entity_id"]
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

// decodeRecord reads a request body into a Record, preserving key order.
func decodeRecord(r *http.Request) (*record.Record, error) {
	defer r.Body.Close()
	rec := record.New()
	if err := json.NewDecoder(r.Body).Decode(rec); err != nil {
		return nil, errors.BadRequest("malformed request body")
	}
	return rec, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError surfaces the error taxonomy: status code plus a single-line
// X-API-Error header, no body. Unknown errors are logged and masked.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	se := errors.FromError(err)
	if se.HTTPStatus >= 500 {
		h.log.WithError(err).Error("request failed")
	}
	w.Header().Set("X-API-Error", se.Message)
	w.WriteHeader(se.HTTPStatus)
}

// authorizeOwner rejects callers whose session identity does not match the
// resource owner. Anonymous callers are rejected the same way.
func authorizeOwner(r *http.Request, ownerID string) error {
	caller := middleware.CustomerID(r.Context())
	if caller == "" || caller != ownerID {
		return errors.Forbidden("not authorized for this resource")
	}
	return nil
}

// serveCached answers idempotent GETs through the cache gate. The build
// function runs only on a miss; its marshaled result is stored under the
// given tags for the resource's configured lifetime.
func (h *Handler) serveCached(w http.ResponseWriter, r *http.Request, tags []string, build func() (interface{}, error)) {
	if res, ok := h.svc.Gate.Lookup(r); ok {
		if res.NotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(int(res.MaxAge.Seconds())))
		if res.ETag != "" {
			w.Header().Set("ETag", res.ETag)
		}
		if !res.LastModified.IsZero() {
			w.Header().Set("Last-Modified", res.LastModified.UTC().Format(http.TimeFormat))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Body)
		return
	}

	doc, err := build()
	if err != nil {
		h.writeError(w, err)
		return
	}
	body, err := json.Marshal(doc)
	if err != nil {
		h.writeError(w, errors.Internal("failed to encode response", err))
		return
	}
	h.svc.Gate.Store(r, body, tags, h.cfg.Cache.TTLFor(routeResource(r)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// routeResource extracts the resource portion of the matched route's
// "resource.method" name, e.g. "event" from "event.list".
func routeResource(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	name := route.GetName()
	if dot := strings.Index(name, "."); dot >= 0 {
		return name[:dot]
	}
	return name
}

// location sets the Location header from a document's first self link.
func location(w http.ResponseWriter, doc *record.Record) {
	if href := render.FirstHref(doc); href != "" {
		w.Header().Set("Location", href)
	}
}

func (h *Handler) baseWebURL() string {
	return strings.TrimRight(h.cfg.BaseWebURL, "/")
}

// splitCSV turns a comma-separated attribute into a facet list.
func splitCSV(s string) []interface{} {
	var out []interface{}
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
