package gocardless

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *observability.InMemoryMetrics) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	metrics := observability.NewInMemoryMetrics()
	client, err := NewClient(Config{
		AccessToken:     "sandbox_token",
		Environment:     EnvironmentSandbox,
		BaseURL:         server.URL,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}, nil, metrics)
	require.NoError(t, err)
	return client, metrics
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func testPrice(t *testing.T) domain.Price {
	t.Helper()
	price, err := domain.ParsePrice("4.99", "GBP")
	require.NoError(t, err)
	return price
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "sandbox", cfg: Config{AccessToken: "sandbox_abc", Environment: EnvironmentSandbox}},
		{name: "live", cfg: Config{AccessToken: "live_abc", Environment: EnvironmentLive}},
		{name: "missing token", cfg: Config{Environment: EnvironmentSandbox}, wantErr: true},
		{name: "live token in sandbox", cfg: Config{AccessToken: "live_abc", Environment: EnvironmentSandbox}, wantErr: true},
		{name: "sandbox token in live", cfg: Config{AccessToken: "sandbox_abc", Environment: EnvironmentLive}, wantErr: true},
		{name: "unknown environment", cfg: Config{AccessToken: "sandbox_abc", Environment: "staging"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Equal(t, LiveBaseURL, Config{Environment: EnvironmentLive}.baseURL())
	assert.Equal(t, SandboxBaseURL, Config{Environment: EnvironmentSandbox}.baseURL())
	assert.Equal(t, "http://localhost:9000", Config{BaseURL: "http://localhost:9000/"}.baseURL())
}

func TestClient_CreateBillingRequest(t *testing.T) {
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/billing_requests", r.URL.Path)
		assert.Equal(t, "Bearer sandbox_token", r.Header.Get("Authorization"))
		assert.Equal(t, apiVersion, r.Header.Get("GoCardless-Version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			BillingRequests struct {
				PaymentRequest struct {
					Amount   int64  `json:"amount"`
					Currency string `json:"currency"`
				} `json:"payment_request"`
				MandateRequest struct {
					Scheme string            `json:"scheme"`
					Verify string            `json:"verify"`
					Meta   map[string]string `json:"metadata"`
				} `json:"mandate_request"`
			} `json:"billing_requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(499), body.BillingRequests.PaymentRequest.Amount)
		assert.Equal(t, "GBP", body.BillingRequests.PaymentRequest.Currency)
		assert.Equal(t, "bacs", body.BillingRequests.MandateRequest.Scheme)
		assert.Equal(t, "recommended", body.BillingRequests.MandateRequest.Verify)
		assert.Equal(t, "yearly subscription", body.BillingRequests.MandateRequest.Meta["plan"])

		writeJSON(w, http.StatusCreated, `{"billing_requests":{"id":"BRQ123","status":"pending","links":{}}}`)
	})

	br, err := client.CreateBillingRequest(context.Background(), application.BillingRequestInput{
		Amount:          testPrice(t),
		Description:     "1 Year access fee",
		Scheme:          "bacs",
		MandateMetadata: map[string]string{"plan": "yearly subscription"},
	})
	require.NoError(t, err)
	assert.Equal(t, "BRQ123", br.ID)
	assert.False(t, br.IsFulfilled())
	assert.Equal(t, int64(1), metrics.GetCounter("provider_calls_total",
		observability.T("operation", "create_billing_request"), observability.T("outcome", "ok")))
}

func TestClient_CompleteFlowAndGetBillingRequest(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/billing_request_flows/BRF1/actions/complete":
			writeJSON(w, http.StatusOK, `{"billing_request_flows":{"id":"BRF1","links":{"billing_request":"BRQ1"}}}`)
		case "/billing_requests/BRQ1":
			assert.Equal(t, http.MethodGet, r.Method)
			writeJSON(w, http.StatusOK, `{"billing_requests":{"id":"BRQ1","status":"fulfilled",
				"links":{"customer":"CU1","mandate_request_mandate":"MD1","payment_request_payment":"PM1"}}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	brID, err := client.CompleteFlow(context.Background(), "BRF1")
	require.NoError(t, err)
	assert.Equal(t, "BRQ1", brID)

	br, err := client.GetBillingRequest(context.Background(), brID)
	require.NoError(t, err)
	assert.True(t, br.IsFulfilled())
	assert.Equal(t, "MD1", br.MandateID)
	assert.Equal(t, "CU1", br.CustomerID)
	assert.Equal(t, "PM1", br.PaymentID)
}

func TestClient_CreateSubscription(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "activation-BRQ1", r.Header.Get("Idempotency-Key"))
		writeJSON(w, http.StatusCreated, `{"subscriptions":{"id":"SB1","status":"active",
			"upcoming_payments":[{"charge_date":"2027-06-01","amount":499}]}}`)
	})

	sub, err := client.CreateSubscription(context.Background(), application.SubscriptionInput{
		MandateID:      "MD1",
		Amount:         testPrice(t),
		IntervalUnit:   "yearly",
		IdempotencyKey: "activation-BRQ1",
	})
	require.NoError(t, err)
	assert.Equal(t, "SB1", sub.ID)
	require.NotNil(t, sub.NextChargeDate())
	assert.Equal(t, time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC), *sub.NextChargeDate())
}

func TestClient_CreateSubscriptionResolvesIdempotencyConflict(t *testing.T) {
	var posts atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
			posts.Add(1)
			writeJSON(w, http.StatusConflict, `{"error":{"message":"A resource has already been created with this idempotency key",
				"type":"invalid_state","code":409,"request_id":"req1",
				"errors":[{"reason":"idempotent_creation_conflict","message":"conflict","links":{"conflicting_resource_id":"SB9"}}]}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/subscriptions/SB9":
			writeJSON(w, http.StatusOK, `{"subscriptions":{"id":"SB9","status":"active","upcoming_payments":[]}}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	sub, err := client.CreateSubscription(context.Background(), application.SubscriptionInput{
		MandateID:      "MD1",
		Amount:         testPrice(t),
		IdempotencyKey: "activation-BRQ1",
	})
	require.NoError(t, err)
	assert.Equal(t, "SB9", sub.ID)
	assert.Nil(t, sub.NextChargeDate())
	assert.Equal(t, int32(1), posts.Load())
}

func TestClient_ProviderError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"error":{"message":"Mandate is not active","type":"invalid_state",
			"code":422,"request_id":"req2","errors":[{"reason":"mandate_is_inactive","message":"Mandate is not active"}]}}`)
	})

	_, err := client.CreatePayment(context.Background(), application.PaymentInput{MandateID: "MD1", Amount: testPrice(t)})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnprocessableEntity, pe.StatusCode)
	assert.Equal(t, "invalid_state", pe.Type)
	assert.Equal(t, "mandate_is_inactive", pe.Reason())
	assert.Equal(t, "req2", pe.RequestID)
	assert.Equal(t, "Mandate is not active", pe.Error())
	assert.False(t, pe.Retryable())
}

func TestClient_NonJSONError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := client.GetPayment(context.Background(), "PM1")
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadGateway, pe.StatusCode)
	assert.True(t, pe.Retryable())
	assert.Contains(t, pe.Error(), "bad gateway")
}

func TestClient_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/payments/PM-client-error" {
			writeJSON(w, http.StatusNotFound, `{"error":{"message":"not found","type":"invalid_api_usage","code":404}}`)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, `{"error":{"message":"unavailable","type":"gocardless","code":503}}`)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.GetPayment(ctx, "PM-client-error")
		require.Error(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := client.GetPayment(ctx, "PM1")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}

	_, err := client.GetPayment(ctx, "PM1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), hits.Load(), "open breaker short-circuits")
	assert.Equal(t, int64(1), metrics.GetCounter("provider_breaker_transitions_total", observability.T("to", "open")))
}

func TestClient_CancelSubscriptionSendsMetadata(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions/SB1/actions/cancel", r.URL.Path)
		var body struct {
			Data struct {
				Metadata map[string]string `json:"metadata"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-1", body.Data.Metadata["cancelled_by"])
		writeJSON(w, http.StatusOK, `{"subscriptions":{"id":"SB1","status":"cancelled"}}`)
	})

	sub, err := client.CancelSubscription(context.Background(), "SB1", map[string]string{"cancelled_by": "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", sub.Status)
}

func TestClient_Payments(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/payments":
			assert.Equal(t, "retry-1", r.Header.Get("Idempotency-Key"))
			writeJSON(w, http.StatusCreated, `{"payments":{"id":"PM2","status":"pending_submission","amount":499,
				"currency":"GBP","charge_date":"2026-06-04","links":{"mandate":"MD1"}}}`)
		case "/payments/PM3":
			writeJSON(w, http.StatusOK, `{"payments":{"id":"PM3","status":"confirmed","amount":499,"currency":"GBP",
				"charge_date":null,"links":{"mandate":"MD1","subscription":"SB1"}}}`)
		case "/mandates/MD1/actions/cancel":
			writeJSON(w, http.StatusOK, `{"mandates":{"id":"MD1","status":"cancelled"}}`)
		}
	})
	ctx := context.Background()

	created, err := client.CreatePayment(ctx, application.PaymentInput{MandateID: "MD1", Amount: testPrice(t), IdempotencyKey: "retry-1"})
	require.NoError(t, err)
	require.NotNil(t, created.ChargeDate)
	assert.Equal(t, time.Date(2026, 6, 4, 0, 0, 0, 0, time.UTC), *created.ChargeDate)

	got, err := client.GetPayment(ctx, "PM3")
	require.NoError(t, err)
	assert.Equal(t, "SB1", got.SubscriptionID)
	assert.Nil(t, got.ChargeDate)

	mandate, err := client.CancelMandate(ctx, "MD1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", mandate.Status)
}
