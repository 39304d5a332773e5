package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrProfileNotFound      = errors.New("user profile not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrConcurrentUpdate     = errors.New("subscription was modified concurrently")
	ErrUnknownStatus        = errors.New("unknown subscription status")

	ErrMandateExists        = errors.New("a mandate already exists for this user")
	ErrAlreadySubscribed    = errors.New("an active subscription already exists")
	ErrStateMismatch        = errors.New("state token mismatch")
	ErrNotActive            = errors.New("subscription is not active")
	ErrNoMandate            = errors.New("no mandate found for this user")
	ErrNoRemoteSubscription = errors.New("subscription has no provider subscription")
	ErrMaxRetriesReached    = errors.New("maximum payment retries reached")
	ErrAlreadyActive        = errors.New("subscription is already active")
	ErrNotPending           = errors.New("subscription is not awaiting setup")

	ErrInvalidPrice    = errors.New("price must be a positive amount with at most two decimal places")
	ErrInvalidCurrency = errors.New("currency must be a three-letter ISO 4217 code")
)

// TransitionError reports a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid subscription transition %s -> %s", e.From, e.To)
}

// ErrInvalidTransition matches any *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid subscription transition")

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
