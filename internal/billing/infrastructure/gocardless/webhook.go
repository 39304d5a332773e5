package gocardless

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/helyar/helyar/internal/billing/application"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "Webhook-Signature"

// WebhookParser verifies and decodes webhook deliveries.
type WebhookParser struct {
	secret []byte
}

// NewWebhookParser creates a parser for the endpoint secret.
func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: []byte(secret)}
}

// Parse returns the delivery's events in order. An unverified body is never
// decoded.
func (p *WebhookParser) Parse(body []byte, signature string) ([]application.WebhookEvent, error) {
	if !p.Verify(body, signature) {
		return nil, application.ErrInvalidSignature
	}
	var payload struct {
		Events []application.WebhookEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", application.ErrMalformedWebhook, err)
	}
	return payload.Events, nil
}

// Verify compares signature with the body's HMAC in constant time.
func (p *WebhookParser) Verify(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if len(p.secret) == 0 || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(p.secret, body)), []byte(strings.ToLower(signature)))
}

// Sign returns the hex signature of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ application.WebhookParser = (*WebhookParser)(nil)
