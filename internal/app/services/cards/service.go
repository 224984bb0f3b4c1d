// Package cards manages stored payment cards across the current vault and
// the retired payment-profile system. Listings merge both stores into one
// normalized shape; new cards are verified with a small authorization
// before the vault token persists.
package cards

import (
	"context"

	"github.com/harborpoint/storefront-api/internal/app/domain/record"
	"github.com/harborpoint/storefront-api/internal/app/payment"
	"github.com/harborpoint/storefront-api/internal/app/storage"
	"github.com/harborpoint/storefront-api/internal/errors"
	"github.com/harborpoint/storefront-api/pkg/logger"
)

// Service is the stored-card manager.
type Service struct {
	vault   storage.CardVaultStore
	legacy  storage.LegacyProfileStore
	gateway payment.Gateway
	log     *logger.Logger
}

// New creates the card service.
func New(vault storage.CardVaultStore, legacy storage.LegacyProfileStore, gateway payment.Gateway, log *logger.Logger) *Service {
	return &Service{vault: vault, legacy: legacy, gateway: gateway, log: log}
}

// legacyFieldMap renames retired profile fields onto the vault shape.
var legacyFieldMap = map[string]string{
	"card_type":       "type",
	"last4no":         "last4",
	"expire_year":     "expiration_year",
	"expire_month":    "expiration_month",
	"subscription_id": "vault_id",
}

// normalizeCardType maps processor network codes onto the client-facing
// set. American Express arrives as "AE" from the legacy system and "AX"
// from the vault; clients only ever see "AX".
func normalizeCardType(cardType string) string {
	if cardType == "AE" {
		return "AX"
	}
	return cardType
}

// normalizeLegacy reshapes a legacy profile row into the vault shape.
func normalizeLegacy(profile *record.Record) *record.Record {
	out := record.New()
	for _, key := range profile.Keys() {
		mapped, ok := legacyFieldMap[key]
		if !ok {
			mapped = key
		}
		out.Set(mapped, profile.Get(key))
	}
	out.Set("type", normalizeCardType(out.GetString("type")))
	if !out.Has("entity_id") {
		out.Set("entity_id", out.GetString("vault_id"))
	}
	out.Set("legacy", true)
	return out
}

// List merges both card sources for a customer into one normalized list,
// vault entries first. A failure of the legacy store degrades to
// vault-only; the shim must never take down the card listing.
func (s *Service) List(ctx context.Context, customerID string) ([]*record.Record, error) {
	vaultCards, err := s.vault.ListCustomerCards(ctx, customerID)
	if err != nil {
		return nil, errors.Internal("failed to list stored cards", err)
	}
	for _, card := range vaultCards {
		card.Set("type", normalizeCardType(card.GetString("type")))
	}

	profiles, err := s.legacy.ListCustomerCards(ctx, customerID)
	if err != nil {
		s.log.WithError(err).Warnf("legacy profile listing failed for customer %s", customerID)
		return vaultCards, nil
	}
	for _, profile := range profiles {
		vaultCards = append(vaultCards, normalizeLegacy(profile))
	}
	return vaultCards, nil
}

// Get loads one stored card by id, probing the legacy store before
// declaring not-found.
func (s *Service) Get(ctx context.Context, id string) (*record.Record, error) {
	card, err := s.vault.GetCard(ctx, id)
	if err == nil {
		card.Set("type", normalizeCardType(card.GetString("type")))
		return card, nil
	}
	if !storage.IsNotFound(err) {
		return nil, errors.Internal("failed to load stored card", err)
	}

	profile, err := s.legacy.GetProfile(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.NotFound("stored card not found")
		}
		return nil, errors.Internal("failed to load stored card", err)
	}
	return normalizeLegacy(profile), nil
}

// Create verifies a new card with a small authorization, reverses the hold
// for non-Visa networks, and persists the minted vault token. Nothing
// persists when the authorization declines.
func (s *Service) Create(ctx context.Context, customerID string, input *record.Record) (*record.Record, error) {
	number := input.GetString("card_number")
	cardType := normalizeCardType(input.GetString("type"))
	if number == "" || cardType == "" {
		return nil, errors.BadRequest("card_number and type are required")
	}

	resp, err := s.gateway.Authorize(ctx, payment.AuthRequest{
		CardNumber:  number,
		CardType:    cardType,
		ExpMonth:    input.GetString("expiration_month"),
		ExpYear:     input.GetString("expiration_year"),
		CVV:         input.GetString("cvv"),
		AmountCents: payment.VerificationAmountCents,
		BillToName:  input.GetString("bill_to_name"),
		BillToZip:   input.GetString("zip"),
	})
	if err != nil {
		return nil, errors.Upstream("payment gateway unavailable", err)
	}
	if !resp.Approved() {
		return nil, errors.BadRequestf("card verification declined: %s", resp.Message)
	}
	if resp.TransactionID == "" {
		return nil, errors.Internal("payment gateway returned no transaction id", nil)
	}

	// Visa converts the verification hold automatically; other networks
	// need an explicit reversal or the dollar sits on the card.
	if cardType != "VI" {
		if err := s.gateway.ReverseAuthorization(ctx, resp.TransactionID, payment.VerificationAmountCents); err != nil {
			s.log.WithError(err).Warnf("verification reversal failed for transaction %s", resp.TransactionID)
		}
	}

	card := record.New().
		Set("customer_id", customerID).
		Set("type", cardType).
		Set("last4", lastFour(number)).
		Set("expiration_month", input.GetString("expiration_month")).
		Set("expiration_year", input.GetString("expiration_year")).
		Set("vault_id", resp.Token)

	created, err := s.vault.CreateCard(ctx, card)
	if err != nil {
		return nil, errors.Internal("failed to persist stored card", err)
	}
	s.log.Infof("card ending %s vaulted for customer %s", created.GetString("last4"), customerID)
	return created, nil
}

// Delete removes a stored card, falling back to the legacy store when the
// vault has no such id.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.vault.DeleteCard(ctx, id)
	if err == nil {
		return nil
	}
	if !storage.IsNotFound(err) {
		return errors.Internal("failed to delete stored card", err)
	}

	if err := s.legacy.DeleteProfile(ctx, id); err != nil {
		if storage.IsNotFound(err) {
			return errors.NotFound("stored card not found")
		}
		return errors.Internal("failed to delete stored card", err)
	}
	return nil
}

func lastFour(number string) string {
	if len(number) < 4 {
		return number
	}
	return number[len(number)-4:]
}
