package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/billing/infrastructure/gocardless"
)

// StatusInvalidSignature is returned for a webhook whose signature does
// not verify.
const StatusInvalidSignature = 498

const maxBodyBytes = 1 << 20

// statusForError maps use case errors to HTTP statuses. The message is
// safe to show to the authenticated caller.
func statusForError(err error) (int, string) {
	var (
		providerErr   *gocardless.ProviderError
		notFulfilled  *application.NotFulfilledError
		transitionErr *domain.TransitionError
		urlErr        *url.Error
	)
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return http.StatusNotFound, err.Error()

	// A missing profile is a caller precondition, not a missing resource.
	case errors.Is(err, domain.ErrProfileNotFound),
		errors.Is(err, domain.ErrMandateExists),
		errors.Is(err, domain.ErrAlreadySubscribed),
		errors.Is(err, domain.ErrStateMismatch),
		errors.Is(err, domain.ErrNotActive),
		errors.Is(err, domain.ErrNoMandate),
		errors.Is(err, domain.ErrNoRemoteSubscription),
		errors.Is(err, domain.ErrMaxRetriesReached),
		errors.Is(err, domain.ErrNotPending),
		errors.As(err, &transitionErr),
		errors.As(err, &notFulfilled):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, domain.ErrConcurrentUpdate):
		return http.StatusConflict, "subscription was modified concurrently, retry"

	case errors.Is(err, gocardless.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "payment provider temporarily unavailable"

	case errors.As(err, &providerErr):
		return http.StatusBadRequest, providerErr.Error()

	case errors.As(err, &urlErr):
		return http.StatusBadGateway, "payment provider unreachable"
	}
	return http.StatusInternalServerError, "internal server error"
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads a JSON body into v and validates its struct tags.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return validationMessage(validate.Struct(v))
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if fe.Tag() == "required" {
			msgs = append(msgs, "missing "+field)
		} else {
			msgs = append(msgs, field+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
