package httpapi

import (
	"net/http"
	"strings"

	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/render"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/errors"
)

var addressFields = []render.Rule{
	render.Alias("id", "entity_id"),
	render.Direct("firstname"),
	render.Direct("lastname"),
	render.Direct("street"),
	render.Direct("city"),
	render.Direct("region"),
	render.Direct("zip"),
	render.Alias("country", "country_id"),
	render.Direct("telephone"),
	render.Direct("default_billing"),
	render.Direct("default_shipping"),
}

var addressLinks = []render.Link{
	{Rel: "self", Resource: "address", Method: "get"},
}

func (h *Handler) listAddresses(w http.ResponseWriter, r *http.Request) {
	customerID := pathID(r)
	if err := authorizeOwner(r, customerID); err != nil {
		h.writeError(w, err)
		return
	}
	customer, err := h.svc.Customers.GetCustomer(r.Context(), customerID)
	if err != nil {
		if storage.IsNotFound(err) {
			h.writeError(w, errors.NotFound("customer not found"))
			return
		}
		h.writeError(w, errors.Internal("failed to load customer", err))
		return
	}
	addresses, err := h.svc.Addresses.ListAddresses(r.Context(), customerID)
	if err != nil {
		h.writeError(w, errors.Internal("failed to list addresses", err))
		return
	}

	docs := make([]*record.Record, 0, len(addresses))
	for _, addr := range addresses {
		// Addresses captured by a legacy payment profile are internal
		// bookkeeping, never part of the customer's address book.
		if _, err := h.svc.Profiles.FindProfileByAddress(r.Context(), addr.GetString("entity_id")); err == nil {
			continue
		} else if !storage.IsNotFound(err) {
			h.writeError(w, errors.Internal("failed to check address", err))
			return
		}
		docs = append(docs, h.projectAddress(customer, addr))
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *Handler) createAddress(w http.ResponseWriter, r *http.Request) {
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
	input = render.RewriteAliases(input, addressFields)
	if err := h.normalizeAddressInput(r, input); err != nil {
		h.writeError(w, err)
		return
	}
	input.Set("customer_id", customerID)

	created, err := h.svc.Addresses.CreateAddress(r.Context(), input)
	if err != nil {
		h.writeError(w, errors.Internal("failed to create address", err))
		return
	}
	h.applyDefaultFlags(r, customerID, input, created.GetString("entity_id"))

	customer, err := h.svc.Customers.GetCustomer(r.Context(), customerID)
	if err != nil {
		h.writeError(w, errors.Internal("failed to load customer", err))
		return
	}
	doc := h.projectAddress(customer, created)
	location(w, doc)
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) getAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := h.loadOwnedAddress(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	customer, err := h.svc.Customers.GetCustomer(r.Context(), addr.GetString("customer_id"))
	if err != nil {
		h.writeError(w, errors.Internal("failed to load customer", err))
		return
	}
	writeJSON(w, http.StatusOK, h.projectAddress(customer, addr))
}

func (h *Handler) updateAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := h.loadOwnedAddress(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	input, err := decodeRecord(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	input = render.RewriteAliases(input, addressFields)
	if err := h.normalizeAddressInput(r, input); err != nil {
		h.writeError(w, err)
		return
	}
	input.Delete("entity_id")
	input.Delete("customer_id")

	customerID := addr.GetString("customer_id")
	updated, err := h.svc.Addresses.UpdateAddress(r.Context(), addr.GetString("entity_id"), input)
	if err != nil {
		if storage.IsNotFound(err) {
			h.writeError(w, errors.NotFound("address not found"))
			return
		}
		h.writeError(w, errors.Internal("failed to update address", err))
		return
	}
	h.applyDefaultFlags(r, customerID, input, updated.GetString("entity_id"))

	customer, err := h.svc.Customers.GetCustomer(r.Context(), customerID)
	if err != nil {
		h.writeError(w, errors.Internal("failed to load customer", err))
		return
	}
	writeJSON(w, http.StatusOK, h.projectAddress(customer, updated))
}

func (h *Handler) deleteAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := h.loadOwnedAddress(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.svc.Addresses.DeleteAddress(r.Context(), addr.GetString("entity_id")); err != nil {
		if storage.IsNotFound(err) {
			h.writeError(w, errors.NotFound("address not found"))
			return
		}
		h.writeError(w, errors.Internal("failed to delete address", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// loadOwnedAddress loads the path's address and verifies the caller owns it.
func (h *Handler) loadOwnedAddress(r *http.Request) (*record.Record, error) {
	addr, err := h.svc.Addresses.GetAddress(r.Context(), pathID(r))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.NotFound("address not found")
		}
		return nil, errors.Internal("failed to load address", err)
	}
	if err := authorizeOwner(r, addr.GetString("customer_id")); err != nil {
		return nil, err
	}
	return addr, nil
}

// normalizeAddressInput validates the region against the directory and
// stores street lines as one newline-joined string.
func (h *Handler) normalizeAddressInput(r *http.Request, input *record.Record) error {
	if regionName := input.GetString("region"); regionName != "" {
		region, err := h.svc.Regions.ResolveRegion(r.Context(), regionName, input.GetString("country_id"))
		if err != nil {
			if storage.IsNotFound(err) {
				return errors.BadRequestf("invalid region %q", regionName)
			}
			return errors.Internal("failed to resolve region", err)
		}
		input.Set("region_id", region.GetString("region_id"))
		input.Set("region", region.GetString("name"))
		if input.GetString("country_id") == "" {
			input.Set("country_id", region.GetString("country_id"))
		}
	}

	if lines := input.GetList("street"); lines != nil {
		parts := make([]string, 0, len(lines))
		for _, line := range lines {
			if s, ok := line.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		input.Set("street", strings.Join(parts, "\n"))
	}
	return nil
}

// applyDefaultFlags maintains the customer's default address pointers when
// the request asked for them.
func (h *Handler) applyDefaultFlags(r *http.Request, customerID string, input *record.Record, addressID string) {
	patch := record.New()
	if input.GetBool("default_billing") {
		patch.Set("default_billing", addressID)
	}
	if input.GetBool("default_shipping") {
		patch.Set("default_shipping", addressID)
	}
	if patch.Len() == 0 {
		return
	}
	if _, err := h.svc.Customers.UpdateCustomer(r.Context(), customerID, patch); err != nil {
		h.log.WithError(err).Warnf("failed to update default address flags for customer %s", customerID)
	}
}

// projectAddress shapes one address, splitting stored street lines back
// into a list and deriving the default flags from the customer record.
func (h *Handler) projectAddress(customer, addr *record.Record) *record.Record {
	if street := addr.GetString("street"); street != "" {
		lines := make([]interface{}, 0, 2)
		for _, line := range strings.Split(street, "\n") {
			lines = append(lines, line)
		}
		addr.Set("street", lines)
	}
	id := addr.GetString("entity_id")
	addr.Set("default_billing", customer.GetString("default_billing") == id)
	addr.Set("default_shipping", customer.GetString("default_shipping") == id)
	return h.projector.Project(addr, addressFields, addressLinks)
}
