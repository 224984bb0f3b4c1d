package httpapi

import (
	"math"
	"net/http"

	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/render"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/errors"
)

var eventFields = []render.Rule{
	render.Alias("id", "entity_id"),
	render.Direct("name"),
	render.Direct("description"),
	render.Alias("start", "event_start_date"),
	render.Alias("end", "event_end_date"),
	render.Direct("image"),
	render.Direct("department"),
	render.Direct("age"),
	render.Direct("max_discount_pct"),
}

var eventLinks = []render.Link{
	{Rel: "self", Resource: "event", Method: "get"},
	{Rel: "products", Resource: "event", Method: "products"},
}

// listEvents serves the sale-event collection, filtered by the "when"
// parameter. Club-only events and events without sellable products are
// hidden from the listing.
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	when := r.URL.Query().Get("when")
	if when == "" {
		when = "current"
	}
	if when != "current" && when != "upcoming" {
		h.writeError(w, errors.BadRequestf("invalid when value %q", when))
		return
	}

	h.serveCached(w, r, []string{"events"}, func() (interface{}, error) {
		events, err := h.svc.Events.ListEvents(r.Context(), when)
		if err != nil {
			return nil, errors.Internal("failed to list events", err)
		}

		docs := make([]*record.Record, 0, len(events))
		for _, ev := range events {
			if ev.GetBool("club_only") {
				continue
			}
			products, err := h.svc.Products.ListEventProducts(r.Context(), ev.GetString("entity_id"))
			if err != nil {
				return nil, errors.Internal("failed to load event products", err)
			}
			if len(products) == 0 {
				continue
			}
			docs = append(docs, h.projectEvent(ev, products))
		}
		return docs, nil
	})
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	h.serveCached(w, r, []string{"event-" + id}, func() (interface{}, error) {
		ev, err := h.svc.Events.GetEvent(r.Context(), id)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, errors.NotFound("event not found")
			}
			return nil, errors.Internal("failed to load event", err)
		}
		products, err := h.svc.Products.ListEventProducts(r.Context(), id)
		if err != nil {
			return nil, errors.Internal("failed to load event products", err)
		}
		return h.projectEvent(ev, products), nil
	})
}

func (h *Handler) listEventProducts(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	h.serveCached(w, r, []string{"event-" + id}, func() (interface{}, error) {
		if _, err := h.svc.Events.GetEvent(r.Context(), id); err != nil {
			if storage.IsNotFound(err) {
				return nil, errors.NotFound("event not found")
			}
			return nil, errors.Internal("failed to load event", err)
		}
		products, err := h.svc.Products.ListEventProducts(r.Context(), id)
		if err != nil {
			return nil, errors.Internal("failed to load event products", err)
		}
		docs := make([]*record.Record, 0, len(products))
		for _, p := range products {
			docs = append(docs, h.projectProduct(p))
		}
		return docs, nil
	})
}

func (h *Handler) projectEvent(ev *record.Record, products []*record.Record) *record.Record {
	h.enrichEvent(ev, products)
	links := append([]render.Link(nil), eventLinks...)
	if slug := ev.GetString("url_key"); slug != "" {
		links = append(links, render.Link{Rel: "alternate", Href: h.baseWebURL() + "/" + slug})
	}
	return h.projector.Project(ev, eventFields, links)
}

// enrichEvent derives the presentation fields the projection exposes:
// absolute image URLs, department/age facets, and the best discount across
// the event's products.
func (h *Handler) enrichEvent(ev *record.Record, products []*record.Record) {
	image := record.New()
	for _, kind := range []string{"default", "small", "thumbnail", "logo"} {
		if path := ev.GetString(kind + "_image"); path != "" {
			image.Set(kind, h.baseWebURL()+"/media/catalog/category/"+path)
		}
	}
	ev.Set("image", image)
	ev.Set("department", splitCSV(ev.GetString("departments")))
	ev.Set("age", splitCSV(ev.GetString("ages")))
	ev.Set("max_discount_pct", maxDiscountPct(products))
}

func maxDiscountPct(products []*record.Record) float64 {
	var best float64
	for _, p := range products {
		price := p.GetFloat("price")
		special := p.GetFloat("special_price")
		if price <= 0 || special <= 0 || special >= price {
			continue
		}
		if pct := math.Round((price - special) / price * 100); pct > best {
			best = pct
		}
	}
	return best
}
