package httpapi

import (
	"net/http"

	"github.com/harborpoint/storefront-api/internal/app/domain/cart"
	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/render"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/errors"
)

var productFields = []render.Rule{
	render.Alias("id", "entity_id"),
	render.Direct("name"),
	render.Direct("description"),
	render.Alias("type", "type_id"),
	render.Embedded("price",
		render.Alias("price", "special_price"),
		render.Alias("orig", "price"),
	),
	render.Direct("image"),
	render.Direct("attributes"),
	render.Direct("shipping_returns"),
}

var productLinks = []render.Link{
	{Rel: "self", Resource: "product", Method: "get"},
}

const (
	standardShippingCopy = "Ships within 14 days of event close. Returns accepted within 30 days of delivery."
	virtualShippingCopy  = "Delivered electronically. No shipping required; all sales final."
)

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	h.serveCached(w, r, []string{"product-" + id}, func() (interface{}, error) {
		p, err := h.svc.Products.GetProduct(r.Context(), id)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, errors.NotFound("product not found")
			}
			return nil, errors.Internal("failed to load product", err)
		}
		return h.projectProduct(p), nil
	})
}

func (h *Handler) projectProduct(p *record.Record) *record.Record {
	h.enrichProduct(p)
	links := append([]render.Link(nil), productLinks...)
	// The event placeholder is mandatory; standalone products get no link.
	if href, err := render.ExpandTemplateStrict("/event/{event_id}", p); err == nil {
		links = append(links, render.Link{Rel: "event", Href: href})
	}
	if slug := p.GetString("url_key"); slug != "" {
		links = append(links, render.Link{Rel: "alternate", Href: h.baseWebURL() + "/" + slug})
	}
	return h.projector.Project(p, productFields, links)
}

// enrichProduct derives image URLs, the variant attribute map, and the
// shipping/returns copy before projection.
func (h *Handler) enrichProduct(p *record.Record) {
	images := make([]interface{}, 0)
	for _, item := range p.GetList("media_gallery") {
		if path, ok := item.(string); ok && path != "" {
			images = append(images, h.baseWebURL()+"/media/catalog/product"+path)
		}
	}
	p.Set("image", images)

	// The selling price defaults to the list price when no markdown is set.
	if !p.Has("special_price") || p.GetFloat("special_price") <= 0 {
		p.Set("special_price", p.GetFloat("price"))
	}

	switch p.GetString("type_id") {
	case cart.TypeConfigurable:
		attrs := p.GetRecord("configurable_attributes")
		if attrs == nil {
			attrs = record.New()
		}
		p.Set("attributes", attrs)
	default:
		attrs := record.New()
		for _, name := range []string{"color", "size"} {
			if v := p.GetString(name); v != "" {
				attrs.Set(name, v)
			}
		}
		p.Set("attributes", attrs)
	}

	if p.GetString("type_id") == cart.TypeVirtual {
		p.Set("shipping_returns", virtualShippingCopy)
	} else {
		p.Set("shipping_returns", standardShippingCopy)
	}
}
