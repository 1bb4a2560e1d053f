/**
 * @description
 * This package provides a client for the upstream data bundle reseller API. It wraps
 * the reseller's loosely shaped JSON into PurchaseResult/StatusResult with a
 * normalized Status, and turns every rejection into *APIError with a readable message.
 *
 * @dependencies
 * - github.com/shopspring/decimal: wholesale cost reported by the reseller.
 * - go.uber.org/zap: structured logging of upstream failures.
 */
package reseller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status is the normalized outcome of an upstream purchase.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Client is a client for the reseller API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new reseller API client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// APIError is a rejection reported by the reseller.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("reseller api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("reseller api error: %s", e.Message)
}

// PurchaseRequest is one bundle purchase.
type PurchaseRequest struct {
	NetworkKey string `json:"networkKey"`
	Recipient  string `json:"recipient"`
	Capacity   string `json:"capacity"`
	Reference  string `json:"reference"`
}

// PurchaseResult is the normalized purchase response.
type PurchaseResult struct {
	Status        Status
	TransactionID string
	Cost          decimal.NullDecimal
	Message       string
}

// StatusResult is the normalized order status response.
type StatusResult struct {
	Status  Status
	Message string
}

type responseBody struct {
	Status  any             `json:"status"`
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type responseData struct {
	TransactionID string              `json:"transactionId"`
	Reference     string              `json:"transactionReference"`
	OrderID       string              `json:"orderId"`
	Status        string              `json:"status"`
	OrderStatus   string              `json:"orderStatus"`
	Cost          decimal.NullDecimal `json:"cost"`
	Amount        decimal.NullDecimal `json:"amount"`
	Message       string              `json:"message"`
}

// Purchase submits a bundle purchase. The order reference is passed upstream so a
// re-driven purchase can be deduplicated by the reseller.
func (c *Client) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	body, data, err := c.do(ctx, http.MethodPost, "/purchase", req)
	if err != nil {
		return nil, err
	}

	result := &PurchaseResult{
		TransactionID: firstNonEmpty(data.TransactionID, data.OrderID, data.Reference),
		Message:       firstNonEmpty(data.Message, body.Message),
	}
	if data.Cost.Valid {
		result.Cost = data.Cost
	} else {
		result.Cost = data.Amount
	}
	result.Status = normalizeStatus(firstNonEmpty(data.OrderStatus, data.Status, statusString(body.Status)), StatusCompleted)
	if result.Status == StatusFailed {
		return nil, &APIError{StatusCode: http.StatusOK, Message: firstNonEmpty(result.Message, "purchase rejected")}
	}
	return result, nil
}

// OrderStatus polls a previously submitted purchase.
func (c *Client) OrderStatus(ctx context.Context, transactionID string) (*StatusResult, error) {
	body, data, err := c.do(ctx, http.MethodGet, "/order-status/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		Status:  normalizeStatus(firstNonEmpty(data.OrderStatus, data.Status), StatusPending),
		Message: firstNonEmpty(data.Message, body.Message),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*responseBody, *responseData, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal reseller request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create reseller request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute reseller request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read reseller response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ExtractErrorMessage(raw)
		c.logger.Warn("reseller request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg),
		)
		return nil, nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	var body responseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, fmt.Errorf("failed to decode reseller response: %w", err)
	}
	if (body.Success != nil && !*body.Success) || isFailureStatus(body.Status) {
		msg := ExtractErrorMessage(raw)
		return nil, nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	var data responseData
	if len(body.Data) > 0 && body.Data[0] == '{' {
		if err := json.Unmarshal(body.Data, &data); err != nil {
			return nil, nil, fmt.Errorf("failed to decode reseller data: %w", err)
		}
	}
	return &body, &data, nil
}

func statusString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func isFailureStatus(v any) bool {
	switch s := v.(type) {
	case bool:
		return !s
	case string:
		return normalizeStatus(s, StatusPending) == StatusFailed
	default:
		return false
	}
}

func normalizeStatus(raw string, fallback Status) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "completed", "complete", "delivered", "done":
		return StatusCompleted
	case "pending", "processing", "accepted", "queued", "submitted", "in_progress":
		return StatusPending
	case "failed", "failure", "error", "rejected", "cancelled", "canceled", "refunded", "reversed":
		return StatusFailed
	default:
		return fallback
	}
}

// maxErrorText bounds, in bytes, the raw body surfaced from a non-JSON error.
const maxErrorText = 200

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ExtractErrorMessage pulls a human readable message out of an arbitrary JSON error
// body: message, error (string or object), errors[0], then data.message.
func ExtractErrorMessage(raw []byte) string {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		text := truncateUTF8(strings.TrimSpace(string(raw)), maxErrorText)
		if text == "" {
			return "upstream request failed"
		}
		return text
	}

	if msg := messageFrom(generic["message"]); msg != "" {
		return msg
	}
	if msg := messageFrom(generic["error"]); msg != "" {
		return msg
	}
	if list, ok := generic["errors"].([]any); ok && len(list) > 0 {
		if msg := messageFrom(list[0]); msg != "" {
			return msg
		}
	}
	if data, ok := generic["data"].(map[string]any); ok {
		if msg := messageFrom(data["message"]); msg != "" {
			return msg
		}
	}
	return "upstream request failed"
}

func messageFrom(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for _, key := range []string{"message", "detail", "title", "error"} {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
