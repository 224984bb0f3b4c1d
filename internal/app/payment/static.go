package payment

import (
	"context"
	"fmt"
	"sync"
)

// StaticGateway approves everything. It backs local development and tests;
// each call is recorded so tests can assert on the traffic.
type StaticGateway struct {
	mu        sync.Mutex
	nextTxn   int
	Responses map[string]AuthResponse // keyed by card number or token; optional overrides
	Err       error

	Authorizations []AuthRequest
	Reversals      []string
}

var _ Gateway = (*StaticGateway)(nil)

// NewStaticGateway creates an approving gateway.
func NewStaticGateway() *StaticGateway {
	return &StaticGateway{nextTxn: 1}
}

func (g *StaticGateway) Authorize(_ context.Context, req AuthRequest) (AuthResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Err != nil {
		return AuthResponse{}, g.Err
	}
	g.Authorizations = append(g.Authorizations, req)

	key := req.CardNumber
	if key == "" {
		key = req.Token
	}
	if resp, ok := g.Responses[key]; ok {
		return resp, nil
	}

	txn := fmt.Sprintf("txn-%d", g.nextTxn)
	g.nextTxn++
	resp := AuthResponse{
		TransactionID: txn,
		Code:          ApprovalCode,
		Message:       "Approved",
		Token:         req.Token,
	}
	if resp.Token == "" {
		resp.Token = "tok-" + txn
	}
	return resp, nil
}

func (g *StaticGateway) ReverseAuthorization(_ context.Context, transactionID string, _ int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Err != nil {
		return g.Err
	}
	g.Reversals = append(g.Reversals, transactionID)
	return nil
}
