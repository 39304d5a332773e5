package subscription

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/adapter/cli"
	billingApp "github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepair struct {
	synced  uuid.UUID
	retried uuid.UUID
	sub     *domain.Subscription
	payment *domain.Payment
	err     error
}

func (f *fakeRepair) SyncWithProvider(_ context.Context, id uuid.UUID) (*domain.Subscription, error) {
	f.synced = id
	return f.sub, f.err
}

func (f *fakeRepair) RetryFailedPayment(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	f.retried = id
	return f.payment, f.err
}

type fakeStatus struct {
	view *billingApp.SetupStatus
	err  error
}

func (f fakeStatus) Handle(context.Context, uuid.UUID) (*billingApp.SetupStatus, error) {
	return f.view, f.err
}

func testPrice(t *testing.T) domain.Price {
	t.Helper()
	price, err := domain.ParsePrice("4.99", "GBP")
	require.NoError(t, err)
	return price
}

func TestSyncCmd(t *testing.T) {
	s, err := domain.NewSubscription(uuid.New(), testPrice(t), time.Now())
	require.NoError(t, err)
	repair := &fakeRepair{sub: s}
	cli.SetApp(&cli.App{Repair: repair})
	defer cli.SetApp(nil)

	var out strings.Builder
	syncCmd.SetContext(context.Background())
	syncCmd.SetOut(&out)

	require.NoError(t, syncCmd.RunE(syncCmd, []string{s.ID().String()}))
	assert.Equal(t, s.ID(), repair.synced)
	assert.Contains(t, out.String(), "(inactive)")
	assert.Contains(t, out.String(), "Active: false")
}

func TestSyncCmd_InvalidID(t *testing.T) {
	cli.SetApp(&cli.App{Repair: &fakeRepair{}})
	defer cli.SetApp(nil)

	syncCmd.SetContext(context.Background())
	err := syncCmd.RunE(syncCmd, []string{"not-a-uuid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subscription id")
}

func TestRetryPaymentCmd(t *testing.T) {
	subID := uuid.New()
	payment := domain.NewPayment(subID, "PAY-1", "PM123", testPrice(t), domain.PaymentPending, time.Now())
	repair := &fakeRepair{payment: payment}
	cli.SetApp(&cli.App{Repair: repair})
	defer cli.SetApp(nil)

	var out strings.Builder
	retryPaymentCmd.SetContext(context.Background())
	retryPaymentCmd.SetOut(&out)

	require.NoError(t, retryPaymentCmd.RunE(retryPaymentCmd, []string{subID.String()}))
	assert.Equal(t, subID, repair.retried)
	assert.Contains(t, out.String(), "Payment PM123 created (pending)")
	assert.Contains(t, out.String(), "4.99 GBP")
}

func TestRetryPaymentCmd_MaxRetries(t *testing.T) {
	cli.SetApp(&cli.App{Repair: &fakeRepair{err: domain.ErrMaxRetriesReached}})
	defer cli.SetApp(nil)

	retryPaymentCmd.SetContext(context.Background())
	err := retryPaymentCmd.RunE(retryPaymentCmd, []string{uuid.NewString()})
	assert.ErrorIs(t, err, domain.ErrMaxRetriesReached)
}

func TestStatusCmd_NoApp(t *testing.T) {
	cli.SetApp(nil)

	var out strings.Builder
	statusCmd.SetContext(context.Background())
	statusCmd.SetOut(&out)

	require.NoError(t, statusCmd.RunE(statusCmd, nil))
	assert.Contains(t, out.String(), "requires database connection")
}

func TestStatusCmd(t *testing.T) {
	expires := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	cli.SetApp(&cli.App{Status: fakeStatus{view: &billingApp.SetupStatus{
		Status:               "completed",
		Message:              "Subscription active",
		RemoteSubscriptionID: "SB123",
		MandateID:            "MD123",
		ExpiresAt:            &expires,
	}}})
	defer cli.SetApp(nil)

	statusUser = uuid.NewString()
	var out strings.Builder
	statusCmd.SetContext(context.Background())
	statusCmd.SetOut(&out)

	require.NoError(t, statusCmd.RunE(statusCmd, nil))
	assert.Contains(t, out.String(), "Status: completed")
	assert.Contains(t, out.String(), "Mandate: MD123")
	assert.Contains(t, out.String(), "GoCardless subscription: SB123")
	assert.Contains(t, out.String(), "Expires:")
}

func TestStatusCmd_NotFound(t *testing.T) {
	cli.SetApp(&cli.App{Status: fakeStatus{err: domain.ErrSubscriptionNotFound}})
	defer cli.SetApp(nil)

	statusUser = uuid.NewString()
	var out strings.Builder
	statusCmd.SetContext(context.Background())
	statusCmd.SetOut(&out)

	require.NoError(t, statusCmd.RunE(statusCmd, nil))
	assert.Contains(t, out.String(), "No subscription found.")
}

func TestStatusCmd_PropagatesErrors(t *testing.T) {
	cli.SetApp(&cli.App{Status: fakeStatus{err: errors.New("db down")}})
	defer cli.SetApp(nil)

	statusUser = uuid.NewString()
	statusCmd.SetContext(context.Background())
	assert.EqualError(t, statusCmd.RunE(statusCmd, nil), "db down")
}
