package httpapi

import (
	"net/http"

	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/render"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/errors"
)

var orderSummaryFields = []render.Rule{
	render.Alias("id", "entity_id"),
	render.Direct("status"),
	render.Direct("created_at"),
	render.Direct("grand_total"),
}

var orderFields = []render.Rule{
	render.Alias("id", "entity_id"),
	render.Direct("status"),
	render.Direct("created_at"),
	render.Direct("coupon_code"),
	render.Embedded("totals",
		render.Direct("subtotal"),
		render.Alias("shipping", "shipping_amount"),
		render.Alias("tax", "tax_amount"),
		render.Alias("discount", "discount_amount"),
		render.Alias("credit", "credit_used"),
		render.Direct("grand_total"),
	),
	render.Direct("payment"),
	render.Direct("products"),
}

var orderLinks = []render.Link{
	{Rel: "self", Resource: "order", Method: "get"},
}

var orderLineFields = []render.Rule{
	render.Direct("name"),
	render.Direct("type"),
	render.Direct("price"),
	render.Direct("qty"),
	render.Direct("attributes"),
}

var orderLineLinks = []render.Link{
	{Rel: "product", Href: "/product/{product_id}"},
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	customerID := pathID(r)
	if err := authorizeOwner(r, customerID); err != nil {
		h.writeError(w, err)
		return
	}
	orders, err := h.svc.Orders.ListCustomerOrders(r.Context(), customerID)
	if err != nil {
		h.writeError(w, errors.Internal("failed to list orders", err))
		return
	}
	docs := make([]*record.Record, 0, len(orders))
	for _, order := range orders {
		docs = append(docs, h.projector.Project(order, orderSummaryFields, orderLinks))
	}
	writeJSON(w, http.StatusOK, docs)
}

// createOrder is the dual-purpose cart endpoint: deltas without payment
// mutate the session cart and come back as a 202 snapshot; a cart with
// items plus payment checks out into an immutable order, 201.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	customerID := pathID(r)
	if err := authorizeOwner(r, customerID); err != nil {
		h.writeError(w, err)
		return
	}
	input, err := decodeRecord(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	outcome, err := h.svc.Checkout.Apply(r.Context(), customerID, input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if outcome.CheckedOut() {
		doc := h.projectOrder(outcome.Order)
		location(w, doc)
		writeJSON(w, http.StatusCreated, doc)
		return
	}
	writeJSON(w, http.StatusAccepted, h.svc.Checkout.Snapshot(outcome.Cart))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Orders.GetOrder(r.Context(), pathID(r))
	if err != nil {
		if storage.IsNotFound(err) {
			h.writeError(w, errors.NotFound("order not found"))
			return
		}
		h.writeError(w, errors.Internal("failed to load order", err))
		return
	}
	if err := authorizeOwner(r, order.GetString("customer_id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.projectOrder(order))
}

// projectOrder shapes the immutable order document: projected line items
// with product links, the masked payment summary, and address references.
func (h *Handler) projectOrder(order *record.Record) *record.Record {
	lines := make([]interface{}, 0)
	for _, raw := range order.GetList("items") {
		line, ok := raw.(*record.Record)
		if !ok {
			continue
		}
		lines = append(lines, h.projector.Project(line, orderLineFields, orderLineLinks))
	}
	order.Set("products", lines)

	links := append([]render.Link(nil), orderLinks...)
	// Address placeholders are mandatory; virtual orders carry no
	// shipping address at all.
	if href, err := render.ExpandTemplateStrict("/address/{shipping_address_id}", order); err == nil {
		links = append(links, render.Link{Rel: "shipping_address", Href: href})
	}
	if href, err := render.ExpandTemplateStrict("/address/{billing_address_id}", order); err == nil {
		links = append(links, render.Link{Rel: "billing_address", Href: href})
	}
	return h.projector.Project(order, orderFields, links)
}
