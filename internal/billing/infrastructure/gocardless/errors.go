package gocardless

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrCircuitOpen is returned while the breaker rejects provider calls.
var ErrCircuitOpen = errors.New("payment provider unavailable: circuit open")

const reasonIdempotentConflict = "idempotent_creation_conflict"

// FieldError is one entry of an API error's errors list.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Links   struct {
		ConflictingResourceID string `json:"conflicting_resource_id,omitempty"`
	} `json:"links"`
}

// ProviderError is a non-2xx API response.
type ProviderError struct {
	StatusCode int          `json:"code"`
	Type       string       `json:"type"`
	Message    string       `json:"message"`
	RequestID  string       `json:"request_id"`
	Errors     []FieldError `json:"errors"`
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gocardless: status %d", e.StatusCode)
	}
	return e.Message
}

// Reason returns the first error reason, if any.
func (e *ProviderError) Reason() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Reason
}

// Retryable reports whether the failure is on the provider side.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// conflictingResource returns the id of the resource an idempotency key
// already created.
func (e *ProviderError) conflictingResource() (string, bool) {
	if e.StatusCode != http.StatusConflict {
		return "", false
	}
	for _, fe := range e.Errors {
		if fe.Reason == reasonIdempotentConflict && fe.Links.ConflictingResourceID != "" {
			return fe.Links.ConflictingResourceID, true
		}
	}
	return "", false
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Error *ProviderError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("gocardless: status=%d body=%s", resp.StatusCode, string(body))}
	}
	envelope.Error.StatusCode = resp.StatusCode
	return envelope.Error
}
