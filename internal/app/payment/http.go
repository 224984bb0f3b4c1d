package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/harborpoint/storefront-api/pkg/logger"
)

// HTTPGateway talks to the processor's REST vault API.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *logger.Logger
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway client for the given endpoint.
func NewHTTPGateway(baseURL, apiKey string, log *logger.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type authPayload struct {
	OrderID    string `json:"order_id,omitempty"`
	Token      string `json:"token,omitempty"`
	CardNumber string `json:"card_number,omitempty"`
	CardType   string `json:"card_type,omitempty"`
	ExpMonth   string `json:"exp_month,omitempty"`
	ExpYear    string `json:"exp_year,omitempty"`
	CVV        string `json:"cvv,omitempty"`
	Amount     int64  `json:"amount"`
	BillName   string `json:"bill_to_name,omitempty"`
	BillZip    string `json:"bill_to_zip,omitempty"`
}

type authResult struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"response_code"`
	Message       string `json:"message"`
	Token         string `json:"token"`
}

func (g *HTTPGateway) Authorize(ctx context.Context, req AuthRequest) (AuthResponse, error) {
	payload := authPayload{
		OrderID:    req.OrderID,
		Token:      req.Token,
		CardNumber: req.CardNumber,
		CardType:   req.CardType,
		ExpMonth:   req.ExpMonth,
		ExpYear:    req.ExpYear,
		CVV:        req.CVV,
		Amount:     req.AmountCents,
		BillName:   req.BillToName,
		BillZip:    req.BillToZip,
	}

	var result authResult
	if err := g.post(ctx, "/v1/authorizations", payload, &result); err != nil {
		return AuthResponse{}, err
	}

	resp := AuthResponse{
		TransactionID: result.TransactionID,
		Code:          result.Code,
		Message:       result.Message,
		Token:         result.Token,
	}
	if !resp.Approved() {
		g.log.WithFields(map[string]interface{}{
			"code":    resp.Code,
			"message": resp.Message,
		}).Warn("authorization declined")
	}
	return resp, nil
}

func (g *HTTPGateway) ReverseAuthorization(ctx context.Context, transactionID string, amountCents int64) error {
	payload := map[string]string{
		"transaction_id": transactionID,
		"amount":         strconv.FormatInt(amountCents, 10),
	}
	var result authResult
	if err := g.post(ctx, "/v1/reversals", payload, &result); err != nil {
		return err
	}
	if result.Code != ApprovalCode {
		return fmt.Errorf("reversal declined: %s %s", result.Code, result.Message)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment gateway returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
