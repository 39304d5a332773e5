package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPrice(t *testing.T) Price {
	t.Helper()
	p, err := ParsePrice("4.99", "GBP")
	require.NoError(t, err)
	return p
}

func pendingSubscription(t *testing.T) *Subscription {
	t.Helper()
	s, err := NewSubscription(uuid.New(), testPrice(t), testNow)
	require.NoError(t, err)
	require.NoError(t, s.BeginSetup("state-token", testNow))
	require.NoError(t, s.AttachBillingRequest("BRQ123", testNow))
	require.NoError(t, s.AttachFlow("BRF123", "https://pay.example/flow/BRF123", testNow))
	return s
}

func activeSubscription(t *testing.T) *Subscription {
	t.Helper()
	s := pendingSubscription(t)
	expires := testNow.AddDate(1, 0, 0)
	require.NoError(t, s.Activate("SB123", &expires, testNow))
	s.ClearDomainEvents()
	return s
}

func routingKeys(s *Subscription) []string {
	var keys []string
	for _, e := range s.DomainEvents() {
		keys = append(keys, e.RoutingKey())
	}
	return keys
}

func TestNewSubscription(t *testing.T) {
	userID := uuid.New()
	s, err := NewSubscription(userID, testPrice(t), testNow)
	require.NoError(t, err)

	assert.Equal(t, userID, s.UserID())
	assert.Equal(t, StatusInactive, s.Status())
	assert.False(t, s.IsActive())
	assert.True(t, s.IsNew())
	assert.True(t, strings.HasPrefix(s.PaymentID(), "PAYID-"+userID.String()+"-20260301120000-"))
	assert.Len(t, s.PaymentID(), len("PAYID-")+36+1+14+1+8)
	assert.Empty(t, s.DomainEvents())
}

func TestNewSubscription_Validation(t *testing.T) {
	_, err := NewSubscription(uuid.Nil, testPrice(t), testNow)
	assert.Error(t, err)

	_, err = NewSubscription(uuid.New(), Price{}, testNow)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestSubscription_BeginSetup(t *testing.T) {
	s := pendingSubscription(t)

	assert.Equal(t, StatusPending, s.Status())
	assert.Equal(t, "BRQ123", s.Flow().BillingRequestID)
	assert.Equal(t, "BRF123", s.Flow().FlowID)
	require.NotNil(t, s.Flow().StartedAt)
	assert.Equal(t, []string{RoutingSetupStarted}, routingKeys(s))
	assert.NoError(t, s.CheckInvariants(testNow))
}

func TestSubscription_BeginSetup_RejectsValidSubscription(t *testing.T) {
	s := activeSubscription(t)
	assert.ErrorIs(t, s.BeginSetup("other", testNow), ErrAlreadySubscribed)
}

func TestSubscription_AttachRequiresPending(t *testing.T) {
	s, err := NewSubscription(uuid.New(), testPrice(t), testNow)
	require.NoError(t, err)
	assert.ErrorIs(t, s.AttachBillingRequest("BRQ1", testNow), ErrNotPending)
	assert.ErrorIs(t, s.AttachFlow("BRF1", "url", testNow), ErrNotPending)
}

func TestSubscription_HasLiveFlow(t *testing.T) {
	s := pendingSubscription(t)

	assert.True(t, s.HasLiveFlow(testNow.Add(5*time.Minute), 10*time.Minute))
	assert.False(t, s.HasLiveFlow(testNow.Add(10*time.Minute), 10*time.Minute))

	partial, err := NewSubscription(uuid.New(), testPrice(t), testNow)
	require.NoError(t, err)
	require.NoError(t, partial.BeginSetup("tok", testNow))
	assert.False(t, partial.HasLiveFlow(testNow, 10*time.Minute), "flow without provider ids is not live")
}

func TestSubscription_MatchesState(t *testing.T) {
	s := pendingSubscription(t)
	assert.True(t, s.MatchesState("state-token"))
	assert.True(t, s.MatchesState(""))
	assert.False(t, s.MatchesState("forged"))
}

func TestSubscription_Activate(t *testing.T) {
	s := pendingSubscription(t)
	s.ClearDomainEvents()
	expires := testNow.AddDate(1, 0, 0)

	require.NoError(t, s.Activate("SB123", &expires, testNow))

	assert.Equal(t, StatusActive, s.Status())
	assert.True(t, s.IsActive())
	assert.Equal(t, "SB123", s.RemoteID())
	assert.Equal(t, expires, *s.ExpiresAt())
	require.NotNil(t, s.StartedAt())
	assert.True(t, s.Flow().IsZero())
	assert.Equal(t, []string{RoutingActivated}, routingKeys(s))
	assert.NoError(t, s.CheckInvariants(testNow))
}

func TestSubscription_Activate_DefaultExpiry(t *testing.T) {
	s := pendingSubscription(t)
	require.NoError(t, s.Activate("SB123", nil, testNow))
	assert.Equal(t, testNow.Add(DefaultTerm), *s.ExpiresAt())
}

func TestSubscription_Activate_SecondWriterNoops(t *testing.T) {
	s := activeSubscription(t)
	err := s.Activate("SB999", nil, testNow)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, "SB123", s.RemoteID())
	assert.Empty(t, s.DomainEvents())
}

func TestSubscription_Activate_RequiresPending(t *testing.T) {
	s, err := NewSubscription(uuid.New(), testPrice(t), testNow)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Activate("SB1", nil, testNow), ErrInvalidTransition)
	assert.ErrorIs(t, s.Activate("", nil, testNow), ErrNoRemoteSubscription)
}

func TestSubscription_ThreeFailuresDeactivateAndRenewalRestores(t *testing.T) {
	s := activeSubscription(t)

	for i := 1; i <= 2; i++ {
		deactivated, err := s.RecordFailedPayment(testNow)
		require.NoError(t, err)
		assert.False(t, deactivated)
		assert.Equal(t, i, s.FailedPaymentCount())
		assert.True(t, s.IsActive())
	}

	deactivated, err := s.RecordFailedPayment(testNow)
	require.NoError(t, err)
	assert.True(t, deactivated)
	assert.Equal(t, StatusInactive, s.Status())
	assert.False(t, s.IsActive())
	assert.Equal(t, 3, s.FailedPaymentCount())
	assert.NoError(t, s.CheckInvariants(testNow))
	assert.Contains(t, routingKeys(s), RoutingDeactivated)

	next := testNow.AddDate(1, 0, 0)
	require.NoError(t, s.Renew(&next, testNow, testNow))
	assert.Equal(t, StatusActive, s.Status())
	assert.True(t, s.IsActive())
	assert.Equal(t, 0, s.FailedPaymentCount())
	assert.Equal(t, testNow, *s.LastPaymentAt())
	assert.NoError(t, s.CheckInvariants(testNow))
}

func TestSubscription_CancelledCannotBeResurrected(t *testing.T) {
	s := activeSubscription(t)
	require.NoError(t, s.Cancel(testNow))

	assert.Equal(t, StatusCancelled, s.Status())
	assert.False(t, s.IsActive())
	assert.Equal(t, "SB123", s.RemoteID(), "remote id is kept for audit")
	require.NotNil(t, s.CancelledAt())

	next := testNow.AddDate(1, 0, 0)
	assert.ErrorIs(t, s.Renew(&next, testNow, testNow), ErrInvalidTransition)
	_, err := s.RecordFailedPayment(testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCancelled, s.Status())
	assert.NoError(t, s.Cancel(testNow), "cancel is idempotent")
}

func TestSubscription_RenewRejectsPendingSetup(t *testing.T) {
	s := pendingSubscription(t)
	next := testNow.AddDate(1, 0, 0)
	assert.ErrorIs(t, s.Renew(&next, testNow, testNow), ErrNoRemoteSubscription)
}

func TestSubscription_ApplyExpiry(t *testing.T) {
	s := activeSubscription(t)

	assert.False(t, s.ApplyExpiry(testNow))
	later := s.ExpiresAt().Add(time.Second)
	assert.True(t, s.ApplyExpiry(later))
	assert.Equal(t, StatusExpired, s.Status())
	assert.False(t, s.IsActive())
	assert.Equal(t, []string{RoutingExpired}, routingKeys(s))
	assert.NoError(t, s.CheckInvariants(later))
}

func TestSubscription_AbandonSetup(t *testing.T) {
	s := pendingSubscription(t)
	require.NoError(t, s.AbandonSetup(testNow.Add(25*time.Hour)))

	assert.Equal(t, StatusInactive, s.Status())
	assert.True(t, s.Flow().IsZero())
	assert.ErrorIs(t, s.AbandonSetup(testNow), ErrNotPending)
}

func TestSubscription_ResubscribeAfterExpiry(t *testing.T) {
	s := activeSubscription(t)
	later := s.ExpiresAt().Add(time.Hour)
	require.True(t, s.ApplyExpiry(later))

	require.NoError(t, s.BeginSetup("again", later))
	assert.Equal(t, StatusPending, s.Status())
	age, ok := s.SetupAge(later.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, time.Minute, age)
}

func TestSubscription_DaysUntilExpiry(t *testing.T) {
	s := activeSubscription(t)

	days, ok := s.DaysUntilExpiry(s.ExpiresAt().Add(-7 * 24 * time.Hour))
	require.True(t, ok)
	assert.Equal(t, 7, days)

	days, ok = s.DaysUntilExpiry(s.ExpiresAt().Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, 0, days)

	fresh, err := NewSubscription(uuid.New(), testPrice(t), testNow)
	require.NoError(t, err)
	_, ok = fresh.DaysUntilExpiry(testNow)
	assert.False(t, ok)
}

func TestSubscription_Reminders(t *testing.T) {
	s := activeSubscription(t)
	assert.True(t, s.NeedsReminder())

	s.MarkReminded(testNow)
	assert.False(t, s.NeedsReminder())

	next := s.ExpiresAt().AddDate(1, 0, 0)
	require.NoError(t, s.Renew(&next, testNow, testNow))
	assert.True(t, s.NeedsReminder(), "a new term needs its own reminder")
}

func TestSubscription_RehydrateRoundTrip(t *testing.T) {
	s := activeSubscription(t)
	s.MarkPersisted(4)

	restored := RehydrateSubscription(s.Snapshot())
	assert.Equal(t, s.Snapshot(), restored.Snapshot())
	assert.Empty(t, restored.DomainEvents())
	assert.False(t, restored.IsNew())
}

func TestSubscription_CheckInvariants(t *testing.T) {
	expires := testNow.Add(-time.Hour)
	bad := RehydrateSubscription(SubscriptionState{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Status:    StatusActive,
		Active:    true,
		ExpiresAt: &expires,
		Version:   1,
	})
	assert.Error(t, bad.CheckInvariants(testNow))

	leaked := RehydrateSubscription(SubscriptionState{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Status:  StatusInactive,
		Flow:    Flow{FlowID: "BRF1"},
		Version: 1,
	})
	assert.Error(t, leaked.CheckInvariants(testNow))
}

func TestSubscription_RefreshExpiry(t *testing.T) {
	t.Run("moves an expired subscription back to active", func(t *testing.T) {
		s := activeSubscription(t)
		require.NoError(t, s.Expire(testNow))
		s.ClearDomainEvents()

		next := testNow.AddDate(0, 6, 0)
		require.NoError(t, s.RefreshExpiry(&next, testNow))

		assert.Equal(t, StatusActive, s.Status())
		assert.True(t, s.IsValid(testNow))
		assert.Equal(t, next, *s.ExpiresAt())
		assert.Equal(t, []string{RoutingRenewed}, routingKeys(s))
		assert.Nil(t, s.LastPaymentAt(), "no payment is recorded")
	})

	t.Run("updates an active subscription quietly", func(t *testing.T) {
		s := activeSubscription(t)
		next := testNow.AddDate(2, 0, 0)
		require.NoError(t, s.RefreshExpiry(&next, testNow))
		assert.Empty(t, s.DomainEvents())
		assert.Equal(t, next, *s.ExpiresAt())
	})

	t.Run("keeps the failed payment deactivation", func(t *testing.T) {
		s := activeSubscription(t)
		for i := 0; i < MaxFailedPayments; i++ {
			_, err := s.RecordFailedPayment(testNow)
			require.NoError(t, err)
		}
		assert.ErrorIs(t, s.RefreshExpiry(nil, testNow), ErrMaxRetriesReached)
		assert.Equal(t, StatusInactive, s.Status())
	})

	t.Run("rejects cancelled and pending", func(t *testing.T) {
		cancelled := activeSubscription(t)
		require.NoError(t, cancelled.Cancel(testNow))
		assert.ErrorIs(t, cancelled.RefreshExpiry(nil, testNow), ErrInvalidTransition)

		assert.ErrorIs(t, pendingSubscription(t).RefreshExpiry(nil, testNow), ErrNoRemoteSubscription)
	})
}

func TestHasActiveSubscription(t *testing.T) {
	assert.False(t, HasActiveSubscription(nil, testNow))
	assert.False(t, HasActiveSubscription(pendingSubscription(t), testNow))

	s := activeSubscription(t)
	assert.True(t, HasActiveSubscription(s, testNow))
	assert.False(t, HasActiveSubscription(s, testNow.AddDate(2, 0, 0)), "past expiry")
}
