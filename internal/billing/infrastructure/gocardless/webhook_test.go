package gocardless

import (
	"testing"
	"time"

	"github.com/helyar/helyar/internal/billing/application"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func TestWebhookParser_Parse(t *testing.T) {
	body := []byte(`{"events":[
		{"id":"EV1","created_at":"2026-06-01T10:00:00.000Z","resource_type":"billing_requests","action":"fulfilled",
		 "links":{"billing_request":"BRQ1"}},
		{"id":"EV2","created_at":"2026-06-01T10:00:01.000Z","resource_type":"payments","action":"failed",
		 "links":{"payment":"PM1"},"details":{"cause":"insufficient_funds","origin":"bank"}}
	]}`)
	parser := NewWebhookParser(testSecret)

	events, err := parser.Parse(body, Sign([]byte(testSecret), body))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "EV1", events[0].ID)
	assert.Equal(t, application.ResourceBillingRequests, events[0].ResourceType)
	assert.Equal(t, "BRQ1", events[0].Links.BillingRequest)
	assert.Equal(t, time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), events[0].CreatedAt.UTC())
	assert.Equal(t, "insufficient_funds", events[1].Details.Cause)
}

func TestWebhookParser_RejectsBadSignatures(t *testing.T) {
	body := []byte(`{"events":[]}`)
	tests := []struct {
		name      string
		secret    string
		signature string
	}{
		{name: "missing signature", secret: testSecret},
		{name: "wrong secret", secret: testSecret, signature: Sign([]byte("other"), body)},
		{name: "garbage", secret: testSecret, signature: "not-hex"},
		{name: "no configured secret", signature: Sign(nil, body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWebhookParser(tt.secret).Parse(body, tt.signature)
			assert.ErrorIs(t, err, application.ErrInvalidSignature)
		})
	}
}

func TestWebhookParser_TamperedBody(t *testing.T) {
	body := []byte(`{"events":[{"id":"EV1"}]}`)
	sig := Sign([]byte(testSecret), body)
	_, err := NewWebhookParser(testSecret).Parse([]byte(`{"events":[{"id":"EV2"}]}`), sig)
	assert.ErrorIs(t, err, application.ErrInvalidSignature)
}

func TestWebhookParser_MalformedSignedBody(t *testing.T) {
	body := []byte(`{"events":`)
	_, err := NewWebhookParser(testSecret).Parse(body, Sign([]byte(testSecret), body))
	assert.ErrorIs(t, err, application.ErrMalformedWebhook)
}
