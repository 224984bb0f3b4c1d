package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/errors"
	"github.com/harborpoint/storefront-api/internal/middleware"
)

// createSession verifies credentials and issues a session token. Login
// failures are indistinguishable by design: same status, same message.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.writeError(w, errors.BadRequest("malformed request body"))
		return
	}
	if payload.Email == "" || payload.Password == "" {
		h.writeError(w, errors.BadRequest("email and password are required"))
		return
	}

	customer, err := h.svc.Customers.GetCustomerByEmail(r.Context(), payload.Email)
	if err != nil {
		if storage.IsNotFound(err) {
			h.writeError(w, errors.Forbidden("invalid credentials"))
			return
		}
		h.writeError(w, errors.Internal("failed to load customer", err))
		return
	}
	hash := customer.GetString("password_hash")
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(payload.Password)) != nil {
		h.writeError(w, errors.Forbidden("invalid credentials"))
		return
	}

	customerID := customer.GetString("entity_id")
	token, expiry, err := middleware.IssueToken(
		[]byte(h.cfg.Auth.JWTSecret),
		uuid.NewString(),
		customerID,
		customer.GetString("email"),
		h.cfg.Auth.TokenTTL,
	)
	if err != nil {
		h.writeError(w, errors.Internal("failed to issue token", err))
		return
	}
	h.log.Infof("customer %s signed in", customerID)

	doc := record.New().
		Set("token", token).
		Set("expires", expiry.UTC().Format(time.RFC3339)).
		Set("customer_id", customerID)
	writeJSON(w, http.StatusOK, doc)
}

// deleteSession revokes the presented token.
func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	tokenID := middleware.TokenID(r.Context())
	if tokenID == "" {
		h.writeError(w, errors.Forbidden("no active session"))
		return
	}
	h.svc.Revocations.Revoke(tokenID, time.Now().Add(h.cfg.Auth.TokenTTL))
	h.log.Infof("session %s signed out", tokenID)
	w.WriteHeader(http.StatusOK)
}
