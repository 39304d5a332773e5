package application

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelSubscriptionHandler_Handle(t *testing.T) {
	h := newHarness(t)
	profile, s := h.activeSubscription(t)
	handler := NewCancelSubscriptionHandler(h.store(), h.gateway, h.clock, nil)

	res, err := handler.Handle(context.Background(), profile.UserID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", res.Status)
	assert.Contains(t, res.Message, "remain active until the end of the current period")

	stored := h.subs.get(t, s.ID())
	assert.Equal(t, domain.StatusCancelled, stored.Status())
	assert.False(t, stored.IsActive())
	assert.Equal(t, s.RemoteID(), stored.RemoteID(), "provider id kept for audit")
	assert.False(t, h.profiles.get(t, profile.UserID).SubscriptionStatus)
	assert.Equal(t, 1, h.gateway.callCount("CancelSubscription"))
	assert.Len(t, h.outbox.ByRoutingKey(domain.RoutingCancelled), 1)

	_, err = handler.Handle(context.Background(), profile.UserID)
	assert.ErrorIs(t, err, domain.ErrNotActive)
}

func TestCancelSubscriptionHandler_Preconditions(t *testing.T) {
	h := newHarness(t)
	handler := NewCancelSubscriptionHandler(h.store(), h.gateway, h.clock, nil)

	_, err := handler.Handle(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

	profile, _ := h.initiate(t)
	_, err = handler.Handle(context.Background(), profile.UserID)
	assert.ErrorIs(t, err, domain.ErrNotActive)
	assert.Zero(t, h.gateway.callCount("CancelSubscription"))
}

func TestCancelSubscriptionHandler_ProviderFailureKeepsSubscription(t *testing.T) {
	h := newHarness(t)
	profile, s := h.activeSubscription(t)
	h.gateway.failWith("CancelSubscription", errors.New("provider unavailable"))

	_, err := NewCancelSubscriptionHandler(h.store(), h.gateway, h.clock, nil).Handle(context.Background(), profile.UserID)
	require.Error(t, err)

	stored := h.subs.get(t, s.ID())
	assert.Equal(t, domain.StatusActive, stored.Status())
	assert.True(t, stored.IsActive())
}

func TestCancelMandateHandler_Handle(t *testing.T) {
	h := newHarness(t)
	profile, s := h.activeSubscription(t)
	mandateID := h.profiles.get(t, profile.UserID).MandateID
	handler := NewCancelMandateHandler(h.store(), h.gateway, h.clock, nil)

	res, err := handler.Handle(context.Background(), profile.UserID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", res.Status)
	assert.Equal(t, "Mandate cancelled successfully", res.Message)

	_, err = h.profiles.FindByMandateID(context.Background(), mandateID)
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
	assert.Equal(t, domain.StatusActive, h.subs.get(t, s.ID()).Status(), "webhooks settle the subscription")

	_, err = handler.Handle(context.Background(), profile.UserID)
	assert.ErrorIs(t, err, domain.ErrNoMandate)
	assert.Equal(t, 1, h.gateway.callCount("CancelMandate"))
}

func TestCancelMandateHandler_MissingProfile(t *testing.T) {
	h := newHarness(t)
	_, err := NewCancelMandateHandler(h.store(), h.gateway, h.clock, nil).Handle(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
}
