// Package payment abstracts the card-processing gateway. The facade only
// needs two operations from it: a small verification authorization when a
// card is stored, and the reversal that releases that hold.
package payment

import "context"

// ApprovalCode is the gateway response code for an approved authorization.
// Any other code is a decline.
const ApprovalCode = "000"

// VerificationAmountCents is the hold placed on a card to verify it before
// vaulting. One dollar.
const VerificationAmountCents = 100

// AuthRequest describes an authorization attempt. Either Token or the raw
// card fields are set, never both.
type AuthRequest struct {
	OrderID     string
	Token       string
	CardNumber  string
	CardType    string
	ExpMonth    string
	ExpYear     string
	CVV         string
	AmountCents int64
	BillToName  string
	BillToZip   string
}

// AuthResponse is the gateway's answer to an authorization.
type AuthResponse struct {
	TransactionID string
	Code          string
	Message       string
	// Token is the vault token minted for the card when the gateway
	// tokenizes as a side effect of authorization.
	Token string
}

// Approved reports whether the authorization went through.
func (r AuthResponse) Approved() bool { return r.Code == ApprovalCode }

// Gateway is the card processor client.
type Gateway interface {
	Authorize(ctx context.Context, req AuthRequest) (AuthResponse, error)
	// ReverseAuthorization releases a previous hold. Amount must match the
	// original authorization.
	ReverseAuthorization(ctx context.Context, transactionID string, amountCents int64) error
}
