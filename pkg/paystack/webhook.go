package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC-SHA512 of the raw webhook body keyed by the secret key.
const SignatureHeader = "x-paystack-signature"

// Webhook event names handled by the service.
const (
	EventChargeSuccess    = "charge.success"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

// WebhookEvent is the subset of a Paystack webhook payload the service reads.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference    string `json:"reference"`
		Status       string `json:"status"`
		TransferCode string `json:"transfer_code"`
	} `json:"data"`
}

// ValidSignature checks a webhook signature in constant time.
func ValidSignature(secretKey string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if secretKey == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
