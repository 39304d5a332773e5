package domain

import "fmt"

// Status is the local billing state of a Subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusInactive  Status = "inactive"
	StatusExpired   Status = "expired"
)

// transitions lists every permitted edge. Edges into active from inactive
// or expired exist only for payment-driven renewal of an existing remote
// subscription; cancelled can only restart through a fresh setup.
var transitions = map[Status][]Status{
	StatusInactive:  {StatusPending, StatusActive, StatusCancelled},
	StatusPending:   {StatusPending, StatusActive, StatusInactive},
	StatusActive:    {StatusActive, StatusCancelled, StatusExpired, StatusInactive},
	StatusExpired:   {StatusPending, StatusActive, StatusCancelled},
	StatusCancelled: {StatusPending},
}

// CanTransition reports whether a subscription may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a stored value into a Status.
func ParseStatus(value string) (Status, error) {
	s := Status(value)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, value)
	}
	return s, nil
}
