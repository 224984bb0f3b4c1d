package httpapi

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/render"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/errors"
)

var userFields = []render.Rule{
	render.Alias("id", "entity_id"),
	render.Direct("firstname"),
	render.Direct("lastname"),
	render.Direct("email"),
	render.Direct("credit"),
	render.Direct("invitation_url"),
}

var userLinks = []render.Link{
	{Rel: "self", Resource: "user", Method: "get"},
	{Rel: "addresses", Resource: "address", Method: "list"},
	{Rel: "orders", Resource: "order", Method: "list"},
	{Rel: "creditcards", Resource: "creditcard", Method: "list"},
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	input, err := decodeRecord(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	email := input.GetString("email")
	password := input.GetString("password")
	if email == "" || password == "" {
		h.writeError(w, errors.BadRequest("email and password are required"))
		return
	}

	if _, err := h.svc.Customers.GetCustomerByEmail(r.Context(), email); err == nil {
		h.writeError(w, errors.Conflict("email already registered"))
		return
	} else if !storage.IsNotFound(err) {
		h.writeError(w, errors.Internal("failed to check email", err))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		h.writeError(w, errors.Internal("failed to hash password", err))
		return
	}
	input.Delete("password")
	input.Set("password_hash", string(hash))
	input.Set("created_at", nowRFC3339())

	created, err := h.svc.Customers.CreateCustomer(r.Context(), input)
	if err != nil {
		h.writeError(w, errors.Internal("failed to create customer", err))
		return
	}
	h.log.Infof("customer %s registered", created.GetString("entity_id"))

	doc := h.projectUser(created)
	location(w, doc)
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if err := authorizeOwner(r, id); err != nil {
		h.writeError(w, err)
		return
	}
	customer, err := h.svc.Customers.GetCustomer(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			h.writeError(w, errors.NotFound("customer not found"))
			return
		}
		h.writeError(w, errors.Internal("failed to load customer", err))
		return
	}
	writeJSON(w, http.StatusOK, h.projectUser(customer))
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if err := authorizeOwner(r, id); err != nil {
		h.writeError(w, err)
		return
	}
	input, err := decodeRecord(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if password := input.GetString("password"); password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			h.writeError(w, errors.Internal("failed to hash password", err))
			return
		}
		input.Set("password_hash", string(hash))
	}
	input.Delete("password")
	input.Delete("entity_id")
	input.Delete("credit")

	if email := input.GetString("email"); email != "" {
		existing, err := h.svc.Customers.GetCustomerByEmail(r.Context(), email)
		if err == nil && existing.GetString("entity_id") != id {
			h.writeError(w, errors.Conflict("email already registered"))
			return
		} else if err != nil && !storage.IsNotFound(err) {
			h.writeError(w, errors.Internal("failed to check email", err))
			return
		}
	}

	updated, err := h.svc.Customers.UpdateCustomer(r.Context(), id, input)
	if err != nil {
		if storage.IsNotFound(err) {
			h.writeError(w, errors.NotFound("customer not found"))
			return
		}
		h.writeError(w, errors.Internal("failed to update customer", err))
		return
	}
	writeJSON(w, http.StatusOK, h.projectUser(updated))
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if err := authorizeOwner(r, id); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.svc.Customers.DeleteCustomer(r.Context(), id); err != nil {
		if storage.IsNotFound(err) {
			h.writeError(w, errors.NotFound("customer not found"))
			return
		}
		h.writeError(w, errors.Internal("failed to delete customer", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) projectUser(customer *record.Record) *record.Record {
	if !customer.Has("credit") {
		customer.Set("credit", 0.0)
	}
	code := customer.GetString("invitation_code")
	if code == "" {
		code = customer.GetString("entity_id")
	}
	customer.Set("invitation_url", h.baseWebURL()+"/invite/"+code)
	return h.projector.Project(customer, userFields, userLinks)
}
