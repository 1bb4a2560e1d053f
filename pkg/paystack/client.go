/**
 * @description
 * This package provides a client for the Paystack API: card charge initialization and
 * verification for wallet deposits, and account resolution, transfer recipients and
 * transfers for admin payouts.
 *
 * @notes
 * - Paystack amounts are integers in the minor currency unit (pesewas). Conversion
 *   from GHS happens here and nowhere else.
 * - Every non-2xx or status=false response is returned as *APIError.
 *
 * @dependencies
 * - github.com/shopspring/decimal: GHS amounts at the boundary.
 * - go.uber.org/zap: structured logging of gateway failures.
 */
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultBaseURL is the production Paystack API.
const DefaultBaseURL = "https://api.paystack.co"

// mobileMoneyBankCodes are Paystack's Ghana mobile money provider codes.
var mobileMoneyBankCodes = map[string]bool{"MTN": true, "VOD": true, "ATL": true}

// Client is a client for the Paystack API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new Paystack API client.
func NewClient(baseURL, secretKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		SecretKey:  secretKey,
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// APIError represents an error from the Paystack API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("paystack api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("paystack api error: %s (status %d)", e.Message, e.StatusCode)
}

// IsAPIError reports whether err came back from Paystack rather than the transport.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ToMinorUnits converts GHS to pesewas.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts pesewas to GHS.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// InitializeRequest is the payload for transaction/initialize.
type InitializeRequest struct {
	Email       string         `json:"email"`
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency,omitempty"`
	Reference   string         `json:"reference,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// InitializeResponse carries the hosted checkout details.
type InitializeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Transaction is the verify response for a charge.
type Transaction struct {
	ID              int64           `json:"id"`
	Status          string          `json:"status"`
	Reference       string          `json:"reference"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	GatewayResponse string          `json:"gateway_response"`
	PaidAt          string          `json:"paid_at"`
	Metadata        json.RawMessage `json:"metadata"`
	Customer        struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// MetadataString returns a string metadata field. Paystack sends metadata either
// as an object or as a JSON-encoded string.
func (t *Transaction) MetadataString(key string) string {
	if len(t.Metadata) == 0 {
		return ""
	}
	raw := t.Metadata
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// ResolvedAccount is the bank/resolve response.
type ResolvedAccount struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// Recipient is a transfer recipient.
type Recipient struct {
	RecipientCode string `json:"recipient_code"`
	Name          string `json:"name"`
	Type          string `json:"type"`
}

// TransferRequest is the payload for initiating a transfer.
type TransferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// Transfer is returned by transfer and transfer/verify.
type Transfer struct {
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
}

// InitializeTransaction starts a hosted card/mobile-money charge.
func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	var out InitializeResponse
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyTransaction looks up a charge by reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var out Transaction
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveAccount returns the holder name for an account at bankCode.
func (c *Client) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*ResolvedAccount, error) {
	q := url.Values{}
	q.Set("account_number", accountNumber)
	q.Set("bank_code", bankCode)
	var out ResolvedAccount
	if err := c.do(ctx, http.MethodGet, "/bank/resolve?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTransferRecipient registers a payout destination.
func (c *Client) CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode, currency string) (*Recipient, error) {
	recipientType := "ghipss"
	if mobileMoneyBankCodes[strings.ToUpper(bankCode)] {
		recipientType = "mobile_money"
	}
	payload := map[string]string{
		"type":           recipientType,
		"name":           name,
		"account_number": accountNumber,
		"bank_code":      bankCode,
		"currency":       currency,
	}
	var out Recipient
	if err := c.do(ctx, http.MethodPost, "/transferrecipient", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitiateTransfer sends money from the Paystack balance to a recipient. The
// reference makes the call idempotent on Paystack's side.
func (c *Client) InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.Source == "" {
		req.Source = "balance"
	}
	var out Transfer
	if err := c.do(ctx, http.MethodPost, "/transfer", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyTransfer looks up a transfer by reference.
func (c *Client) VerifyTransfer(ctx context.Context, reference string) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal paystack request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create paystack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute paystack request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read paystack response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(bodyBytes, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (decodeErr == nil && !env.Status) {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.Message}
		c.logger.Warn("paystack request rejected",
			zap.String("method", method),
			zap.String("path", stripQuery(path)),
			zap.Int("status", resp.StatusCode),
			zap.String("message", env.Message),
		)
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode paystack response: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode paystack data: %w", err)
	}
	return nil
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
