package httpapi

import (
	"net/http"

	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/render"
)

var cardFields = []render.Rule{
	render.Alias("id", "entity_id"),
	render.Direct("type"),
	render.Alias("cc_last4", "last4"),
	render.Direct("expiration_month"),
	render.Direct("expiration_year"),
	render.Direct("legacy"),
}

var cardLinks = []render.Link{
	{Rel: "self", Resource: "creditcard", Method: "get"},
}

func (h *Handler) listCards(w http.ResponseWriter, r *http.Request) {
	customerID := pathID(r)
	if err := authorizeOwner(r, customerID); err != nil {
		h.writeError(w, err)
		return
	}
	merged, err := h.svc.Cards.List(r.Context(), customerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	docs := make([]*record.Record, 0, len(merged))
	for _, card := range merged {
		docs = append(docs, h.projectCard(card))
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *Handler) createCard(w http.ResponseWriter, r *http.Request) {
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
	created, err := h.svc.Cards.Create(r.Context(), customerID, input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	doc := h.projectCard(created)
	location(w, doc)
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) getCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.loadOwnedCard(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.projectCard(card))
}

func (h *Handler) deleteCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.loadOwnedCard(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.svc.Cards.Delete(r.Context(), card.GetString("entity_id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) loadOwnedCard(r *http.Request) (*record.Record, error) {
	card, err := h.svc.Cards.Get(r.Context(), pathID(r))
	if err != nil {
		return nil, err
	}
	if err := authorizeOwner(r, card.GetString("customer_id")); err != nil {
		return nil, err
	}
	return card, nil
}

func (h *Handler) projectCard(card *record.Record) *record.Record {
	if !card.Has("legacy") {
		card.Set("legacy", false)
	}
	return h.projector.Project(card, cardFields, cardLinks)
}
