package gocardless

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/helyar/helyar/internal/billing/application"
)

const mandateVerification = "recommended"

// date decodes the API's YYYY-MM-DD charge dates.
type date struct{ time.Time }

func (d *date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return err
		}
	}
	d.Time = t.UTC()
	return nil
}

func (d *date) ptr() *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

type billingRequestResource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  struct {
		Customer              string `json:"customer"`
		MandateRequestMandate string `json:"mandate_request_mandate"`
		PaymentRequestPayment string `json:"payment_request_payment"`
	} `json:"links"`
}

func (r billingRequestResource) toPort() *application.BillingRequest {
	return &application.BillingRequest{
		ID:         r.ID,
		Status:     r.Status,
		MandateID:  r.Links.MandateRequestMandate,
		CustomerID: r.Links.Customer,
		PaymentID:  r.Links.PaymentRequestPayment,
	}
}

type subscriptionResource struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	UpcomingPayments []struct {
		ChargeDate date  `json:"charge_date"`
		Amount     int64 `json:"amount"`
	} `json:"upcoming_payments"`
}

func (r subscriptionResource) toPort() *application.RemoteSubscription {
	out := &application.RemoteSubscription{ID: r.ID, Status: r.Status}
	for _, p := range r.UpcomingPayments {
		out.UpcomingPayments = append(out.UpcomingPayments, application.UpcomingPayment{
			ChargeDate:  p.ChargeDate.Time,
			AmountMinor: p.Amount,
		})
	}
	return out
}

type paymentResource struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	ChargeDate *date  `json:"charge_date"`
	Links      struct {
		Mandate      string `json:"mandate"`
		Subscription string `json:"subscription"`
	} `json:"links"`
}

func (r paymentResource) toPort() *application.RemotePayment {
	return &application.RemotePayment{
		ID:             r.ID,
		Status:         r.Status,
		AmountMinor:    r.Amount,
		Currency:       r.Currency,
		ChargeDate:     r.ChargeDate.ptr(),
		SubscriptionID: r.Links.Subscription,
		MandateID:      r.Links.Mandate,
	}
}

func resourcePath(collection, id string, action ...string) string {
	p := "/" + collection + "/" + url.PathEscape(id)
	for _, a := range action {
		p += "/actions/" + a
	}
	return p
}

// CreateBillingRequest creates the setup payment and mandate request.
func (c *Client) CreateBillingRequest(ctx context.Context, in application.BillingRequestInput) (*application.BillingRequest, error) {
	req := map[string]any{
		"billing_requests": map[string]any{
			"payment_request": map[string]any{
				"amount":      in.Amount.MinorUnits(),
				"currency":    in.Amount.Currency(),
				"description": in.Description,
			},
			"mandate_request": map[string]any{
				"scheme":   in.Scheme,
				"currency": in.Amount.Currency(),
				"metadata": in.MandateMetadata,
				"verify":   mandateVerification,
			},
			"metadata": in.Metadata,
		},
	}
	var resp struct {
		BillingRequest billingRequestResource `json:"billing_requests"`
	}
	if err := c.do(ctx, "create_billing_request", http.MethodPost, "/billing_requests", "", req, &resp); err != nil {
		return nil, err
	}
	return resp.BillingRequest.toPort(), nil
}

// CreateBillingRequestFlow wraps a billing request in a hosted flow.
func (c *Client) CreateBillingRequestFlow(ctx context.Context, in application.FlowInput) (*application.BillingRequestFlow, error) {
	req := map[string]any{
		"billing_request_flows": map[string]any{
			"redirect_uri": in.RedirectURI,
			"exit_uri":     in.ExitURI,
			"links":        map[string]string{"billing_request": in.BillingRequestID},
			"prefilled_customer": map[string]string{
				"email":       in.Customer.Email,
				"given_name":  in.Customer.GivenName,
				"family_name": in.Customer.FamilyName,
			},
		},
	}
	var resp struct {
		Flow struct {
			ID               string `json:"id"`
			AuthorisationURL string `json:"authorisation_url"`
		} `json:"billing_request_flows"`
	}
	if err := c.do(ctx, "create_billing_request_flow", http.MethodPost, "/billing_request_flows", "", req, &resp); err != nil {
		return nil, err
	}
	return &application.BillingRequestFlow{ID: resp.Flow.ID, AuthorisationURL: resp.Flow.AuthorisationURL}, nil
}

// CompleteFlow completes a hosted flow and returns its billing request id.
func (c *Client) CompleteFlow(ctx context.Context, flowID string) (string, error) {
	var resp struct {
		Flow struct {
			Links struct {
				BillingRequest string `json:"billing_request"`
			} `json:"links"`
		} `json:"billing_request_flows"`
	}
	if err := c.do(ctx, "complete_flow", http.MethodPost, resourcePath("billing_request_flows", flowID, "complete"), "", nil, &resp); err != nil {
		return "", err
	}
	if resp.Flow.Links.BillingRequest == "" {
		return "", errors.New("completed flow carries no billing request")
	}
	return resp.Flow.Links.BillingRequest, nil
}

func (c *Client) GetBillingRequest(ctx context.Context, id string) (*application.BillingRequest, error) {
	var resp struct {
		BillingRequest billingRequestResource `json:"billing_requests"`
	}
	if err := c.do(ctx, "get_billing_request", http.MethodGet, resourcePath("billing_requests", id), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.BillingRequest.toPort(), nil
}

// CreateSubscription creates the recurring subscription. A replayed
// idempotency key resolves to the subscription it first created.
func (c *Client) CreateSubscription(ctx context.Context, in application.SubscriptionInput) (*application.RemoteSubscription, error) {
	req := map[string]any{
		"subscriptions": map[string]any{
			"amount":        in.Amount.MinorUnits(),
			"currency":      in.Amount.Currency(),
			"interval_unit": in.IntervalUnit,
			"name":          in.Name,
			"links":         map[string]string{"mandate": in.MandateID},
			"metadata":      in.Metadata,
		},
	}
	var resp struct {
		Subscription subscriptionResource `json:"subscriptions"`
	}
	err := c.do(ctx, "create_subscription", http.MethodPost, "/subscriptions", in.IdempotencyKey, req, &resp)
	if id, ok := conflict(err); ok {
		c.logger.Info("idempotent subscription creation replayed", "idempotency_key", in.IdempotencyKey, "subscription_id", id)
		return c.GetSubscription(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return resp.Subscription.toPort(), nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*application.RemoteSubscription, error) {
	var resp struct {
		Subscription subscriptionResource `json:"subscriptions"`
	}
	if err := c.do(ctx, "get_subscription", http.MethodGet, resourcePath("subscriptions", id), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscription.toPort(), nil
}

func (c *Client) CancelSubscription(ctx context.Context, id string, metadata map[string]string) (*application.RemoteSubscription, error) {
	req := map[string]any{"data": map[string]any{"metadata": metadata}}
	var resp struct {
		Subscription subscriptionResource `json:"subscriptions"`
	}
	if err := c.do(ctx, "cancel_subscription", http.MethodPost, resourcePath("subscriptions", id, "cancel"), "", req, &resp); err != nil {
		return nil, err
	}
	return resp.Subscription.toPort(), nil
}

func (c *Client) CancelMandate(ctx context.Context, id string) (*application.Mandate, error) {
	var resp struct {
		Mandate struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"mandates"`
	}
	if err := c.do(ctx, "cancel_mandate", http.MethodPost, resourcePath("mandates", id, "cancel"), "", nil, &resp); err != nil {
		return nil, err
	}
	return &application.Mandate{ID: resp.Mandate.ID, Status: resp.Mandate.Status}, nil
}

// CreatePayment creates a one-off payment against a mandate.
func (c *Client) CreatePayment(ctx context.Context, in application.PaymentInput) (*application.RemotePayment, error) {
	req := map[string]any{
		"payments": map[string]any{
			"amount":      in.Amount.MinorUnits(),
			"currency":    in.Amount.Currency(),
			"description": in.Description,
			"links":       map[string]string{"mandate": in.MandateID},
			"metadata":    in.Metadata,
		},
	}
	var resp struct {
		Payment paymentResource `json:"payments"`
	}
	err := c.do(ctx, "create_payment", http.MethodPost, "/payments", in.IdempotencyKey, req, &resp)
	if id, ok := conflict(err); ok {
		c.logger.Info("idempotent payment creation replayed", "idempotency_key", in.IdempotencyKey, "payment_id", id)
		return c.GetPayment(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return resp.Payment.toPort(), nil
}

func (c *Client) GetPayment(ctx context.Context, id string) (*application.RemotePayment, error) {
	var resp struct {
		Payment paymentResource `json:"payments"`
	}
	if err := c.do(ctx, "get_payment", http.MethodGet, resourcePath("payments", id), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payment.toPort(), nil
}

func conflict(err error) (string, bool) {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return "", false
	}
	return pe.conflictingResource()
}

var _ application.PaymentGateway = (*Client)(nil)
