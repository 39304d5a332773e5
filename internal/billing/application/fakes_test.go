package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/outbox"
	"github.com/helyar/helyar/pkg/observability"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// memorySubscriptions stores snapshots and enforces the version check.
type memorySubscriptions struct {
	mu   sync.Mutex
	rows map[uuid.UUID]domain.SubscriptionState
}

func newMemorySubscriptions() *memorySubscriptions {
	return &memorySubscriptions{rows: make(map[uuid.UUID]domain.SubscriptionState)}
}

func (m *memorySubscriptions) Save(_ context.Context, s *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := s.Snapshot()
	if s.IsNew() {
		for _, row := range m.rows {
			if row.UserID == st.UserID {
				return domain.ErrConcurrentUpdate
			}
		}
		st.Version = 1
		m.rows[st.ID] = st
		s.MarkPersisted(1)
		return nil
	}
	cur, ok := m.rows[st.ID]
	if !ok || cur.Version != st.Version {
		return domain.ErrConcurrentUpdate
	}
	st.Version++
	m.rows[st.ID] = st
	s.MarkPersisted(st.Version)
	return nil
}

func (m *memorySubscriptions) findOne(match func(domain.SubscriptionState) bool) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if match(row) {
			return domain.RehydrateSubscription(row), nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (m *memorySubscriptions) list(limit int, match func(domain.SubscriptionState) bool) []*domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var states []domain.SubscriptionState
	for _, row := range m.rows {
		if match(row) {
			states = append(states, row)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].CreatedAt.Before(states[j].CreatedAt) })
	if len(states) > limit {
		states = states[:limit]
	}
	out := make([]*domain.Subscription, 0, len(states))
	for _, st := range states {
		out = append(out, domain.RehydrateSubscription(st))
	}
	return out
}

func (m *memorySubscriptions) FindByID(_ context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return m.findOne(func(st domain.SubscriptionState) bool { return st.ID == id })
}

func (m *memorySubscriptions) FindByUserID(_ context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return m.findOne(func(st domain.SubscriptionState) bool { return st.UserID == userID })
}

func (m *memorySubscriptions) FindByBillingRequestID(_ context.Context, id string) (*domain.Subscription, error) {
	return m.findOne(func(st domain.SubscriptionState) bool { return id != "" && st.Flow.BillingRequestID == id })
}

func (m *memorySubscriptions) FindByRemoteID(_ context.Context, id string) (*domain.Subscription, error) {
	return m.findOne(func(st domain.SubscriptionState) bool { return id != "" && st.RemoteID == id })
}

func (m *memorySubscriptions) ListActiveExpiredBefore(_ context.Context, cutoff time.Time, limit int) ([]*domain.Subscription, error) {
	return m.list(limit, func(st domain.SubscriptionState) bool {
		return st.Active && st.ExpiresAt != nil && !st.ExpiresAt.After(cutoff)
	}), nil
}

func (m *memorySubscriptions) ListActiveExpiringBetween(_ context.Context, from, to time.Time, limit int) ([]*domain.Subscription, error) {
	return m.list(limit, func(st domain.SubscriptionState) bool {
		return st.Status == domain.StatusActive && st.ExpiresAt != nil &&
			!st.ExpiresAt.Before(from) && st.ExpiresAt.Before(to)
	}), nil
}

func (m *memorySubscriptions) ListPendingStartedBefore(_ context.Context, cutoff time.Time, limit int) ([]*domain.Subscription, error) {
	return m.list(limit, func(st domain.SubscriptionState) bool {
		return st.Status == domain.StatusPending && setupStart(st).Before(cutoff)
	}), nil
}

func (m *memorySubscriptions) ListPendingWithBillingRequest(_ context.Context, startedBefore time.Time, limit int) ([]*domain.Subscription, error) {
	return m.list(limit, func(st domain.SubscriptionState) bool {
		return st.Status == domain.StatusPending && st.Flow.BillingRequestID != "" && setupStart(st).Before(startedBefore)
	}), nil
}

func (m *memorySubscriptions) get(t *testing.T, id uuid.UUID) *domain.Subscription {
	t.Helper()
	s, err := m.FindByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

func setupStart(st domain.SubscriptionState) time.Time {
	if st.Flow.StartedAt != nil {
		return *st.Flow.StartedAt
	}
	return st.UpdatedAt
}

// memoryPayments upserts on the provider payment id.
type memoryPayments struct {
	mu   sync.Mutex
	rows map[string]domain.PaymentState
}

func newMemoryPayments() *memoryPayments {
	return &memoryPayments{rows: make(map[string]domain.PaymentState)}
}

func (m *memoryPayments) Save(_ context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md := make(map[string]string, len(p.Metadata()))
	for k, v := range p.Metadata() {
		md[k] = v
	}
	st := domain.PaymentState{
		ID:             p.ID(),
		SubscriptionID: p.SubscriptionID(),
		PaymentID:      p.PaymentID(),
		RemoteID:       p.RemoteID(),
		Amount:         p.Amount(),
		Status:         p.Status(),
		ChargeDate:     p.ChargeDate(),
		Metadata:       md,
		CreatedAt:      p.CreatedAt(),
		UpdatedAt:      p.UpdatedAt(),
	}
	if cur, ok := m.rows[st.RemoteID]; ok {
		st.ID = cur.ID
		st.CreatedAt = cur.CreatedAt
		if st.ChargeDate == nil {
			st.ChargeDate = cur.ChargeDate
		}
	}
	m.rows[st.RemoteID] = st
	return nil
}

func (m *memoryPayments) FindByRemoteID(_ context.Context, remoteID string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[remoteID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return domain.RehydratePayment(st), nil
}

func (m *memoryPayments) ListBySubscription(_ context.Context, subscriptionID uuid.UUID) ([]*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Payment
	for _, st := range m.rows {
		if st.SubscriptionID == subscriptionID {
			out = append(out, domain.RehydratePayment(st))
		}
	}
	return out, nil
}

func (m *memoryPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memoryProfiles struct {
	mu   sync.Mutex
	rows map[uuid.UUID]domain.Profile
}

func newMemoryProfiles() *memoryProfiles {
	return &memoryProfiles{rows: make(map[uuid.UUID]domain.Profile)}
}

func (m *memoryProfiles) Save(_ context.Context, p *domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.MandateID != "" {
		for id, row := range m.rows {
			if id != p.UserID && row.MandateID == p.MandateID {
				return domain.ErrMandateExists
			}
		}
	}
	m.rows[p.UserID] = *p
	return nil
}

func (m *memoryProfiles) FindByUserID(_ context.Context, userID uuid.UUID) (*domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[userID]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	return &p, nil
}

func (m *memoryProfiles) FindByMandateID(_ context.Context, mandateID string) (*domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if mandateID != "" && p.MandateID == mandateID {
			return &p, nil
		}
	}
	return nil, domain.ErrProfileNotFound
}

func (m *memoryProfiles) get(t *testing.T, userID uuid.UUID) domain.Profile {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[userID]
	require.True(t, ok, "profile %s", userID)
	return p
}

// countingUnitOfWork records transaction boundaries without isolation.
type countingUnitOfWork struct {
	mu                        sync.Mutex
	begins, commits, rollback int
}

func (u *countingUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.begins++
	return ctx, nil
}

func (u *countingUnitOfWork) Commit(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.commits++
	return nil
}

func (u *countingUnitOfWork) Rollback(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollback++
	return nil
}

// memoryDedup is an EventDeduplicator and EventPurger over a map. Like the
// Redis and SQL stores it refuses to work on a finished context.
type memoryDedup struct {
	mu     sync.Mutex
	claims map[string]time.Time
	err    error
}

func newMemoryDedup() *memoryDedup { return &memoryDedup{claims: make(map[string]time.Time)} }

func (d *memoryDedup) Claim(ctx context.Context, eventID, _, _ string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if d.err != nil {
		return false, d.err
	}
	if _, ok := d.claims[eventID]; ok {
		return false, nil
	}
	d.claims[eventID] = time.Now()
	return true, nil
}

func (d *memoryDedup) Release(ctx context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(d.claims, eventID)
	return nil
}

func (d *memoryDedup) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, at := range d.claims {
		if at.Before(cutoff) {
			delete(d.claims, id)
			n++
		}
	}
	return n, nil
}

func (d *memoryDedup) claimed(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.claims[eventID]
	return ok
}

// fakeGateway simulates the provider's resources in memory.
type fakeGateway struct {
	mu              sync.Mutex
	seq             int
	billingRequests map[string]*BillingRequest
	flows           map[string]string
	subscriptions   map[string]*RemoteSubscription
	payments        map[string]*RemotePayment
	idempotent      map[string]string
	calls           map[string]int
	errs            map[string]error
	nextCharge      time.Time
	lastSubInput    SubscriptionInput
	lastPayment     PaymentInput
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		billingRequests: make(map[string]*BillingRequest),
		flows:           make(map[string]string),
		subscriptions:   make(map[string]*RemoteSubscription),
		payments:        make(map[string]*RemotePayment),
		idempotent:      make(map[string]string),
		calls:           make(map[string]int),
		errs:            make(map[string]error),
		nextCharge:      testNow.AddDate(1, 0, 0),
	}
}

func (g *fakeGateway) enter(op string) error {
	g.calls[op]++
	return g.errs[op]
}

func (g *fakeGateway) id(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s%03d", prefix, g.seq)
}

func (g *fakeGateway) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) failWith(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[op] = err
}

func (g *fakeGateway) CreateBillingRequest(_ context.Context, in BillingRequestInput) (*BillingRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateBillingRequest"); err != nil {
		return nil, err
	}
	br := &BillingRequest{ID: g.id("BRQ"), Status: "pending"}
	g.billingRequests[br.ID] = br
	cp := *br
	return &cp, nil
}

func (g *fakeGateway) CreateBillingRequestFlow(_ context.Context, in FlowInput) (*BillingRequestFlow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateBillingRequestFlow"); err != nil {
		return nil, err
	}
	id := g.id("BRF")
	g.flows[id] = in.BillingRequestID
	return &BillingRequestFlow{ID: id, AuthorisationURL: "https://pay.example/flow/" + id}, nil
}

func (g *fakeGateway) CompleteFlow(_ context.Context, flowID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CompleteFlow"); err != nil {
		return "", err
	}
	brID, ok := g.flows[flowID]
	if !ok {
		return "", fmt.Errorf("flow %s not found", flowID)
	}
	return brID, nil
}

func (g *fakeGateway) GetBillingRequest(_ context.Context, id string) (*BillingRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetBillingRequest"); err != nil {
		return nil, err
	}
	br, ok := g.billingRequests[id]
	if !ok {
		return nil, fmt.Errorf("billing request %s not found", id)
	}
	cp := *br
	return &cp, nil
}

// fulfil marks a billing request as completed by the payer.
func (g *fakeGateway) fulfil(brID, mandateID, customerID, paymentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	br, ok := g.billingRequests[brID]
	if !ok {
		br = &BillingRequest{ID: brID}
		g.billingRequests[brID] = br
	}
	br.Status = BillingRequestFulfilled
	br.MandateID = mandateID
	br.CustomerID = customerID
	br.PaymentID = paymentID
}

func (g *fakeGateway) CreateSubscription(_ context.Context, in SubscriptionInput) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateSubscription"); err != nil {
		return nil, err
	}
	g.lastSubInput = in
	if id, ok := g.idempotent[in.IdempotencyKey]; ok && in.IdempotencyKey != "" {
		cp := *g.subscriptions[id]
		return &cp, nil
	}
	sub := &RemoteSubscription{
		ID:               g.id("SB"),
		Status:           RemoteActive,
		UpcomingPayments: []UpcomingPayment{{ChargeDate: g.nextCharge, AmountMinor: in.Amount.MinorUnits()}},
	}
	g.subscriptions[sub.ID] = sub
	g.idempotent[in.IdempotencyKey] = sub.ID
	cp := *sub
	return &cp, nil
}

func (g *fakeGateway) GetSubscription(_ context.Context, id string) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetSubscription"); err != nil {
		return nil, err
	}
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	cp := *sub
	return &cp, nil
}

func (g *fakeGateway) setRemote(id, status string, nextCharge time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub := &RemoteSubscription{ID: id, Status: status}
	if !nextCharge.IsZero() {
		sub.UpcomingPayments = []UpcomingPayment{{ChargeDate: nextCharge}}
	}
	g.subscriptions[id] = sub
}

func (g *fakeGateway) CancelSubscription(_ context.Context, id string, _ map[string]string) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CancelSubscription"); err != nil {
		return nil, err
	}
	sub, ok := g.subscriptions[id]
	if !ok {
		sub = &RemoteSubscription{ID: id}
		g.subscriptions[id] = sub
	}
	sub.Status = RemoteCancelled
	cp := *sub
	return &cp, nil
}

func (g *fakeGateway) CancelMandate(_ context.Context, id string) (*Mandate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CancelMandate"); err != nil {
		return nil, err
	}
	return &Mandate{ID: id, Status: "cancelled"}, nil
}

func (g *fakeGateway) CreatePayment(_ context.Context, in PaymentInput) (*RemotePayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreatePayment"); err != nil {
		return nil, err
	}
	g.lastPayment = in
	p := &RemotePayment{
		ID:          g.id("PM"),
		Status:      "pending_submission",
		AmountMinor: in.Amount.MinorUnits(),
		Currency:    in.Amount.Currency(),
		MandateID:   in.MandateID,
	}
	g.payments[p.ID] = p
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, id string) (*RemotePayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetPayment"); err != nil {
		return nil, err
	}
	p, ok := g.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", id)
	}
	cp := *p
	return &cp, nil
}

// addPayment registers a subscription payment the provider collected.
func (g *fakeGateway) addPayment(id, subscriptionID string, amountMinor int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[id] = &RemotePayment{ID: id, Status: "confirmed", AmountMinor: amountMinor, Currency: "GBP", SubscriptionID: subscriptionID}
}

// mockNotifier is a testify mock of Notifier.
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendExpiryReminder(ctx context.Context, reminder *domain.ExpiryReminder) error {
	args := m.Called(ctx, reminder)
	return args.Error(0)
}

// stubParser returns canned events or an error.
type stubParser struct {
	events []WebhookEvent
	err    error
}

func (p stubParser) Parse([]byte, string) ([]WebhookEvent, error) {
	return p.events, p.err
}

// harness wires every use case over the in-memory fakes with a movable clock.
type harness struct {
	subs     *memorySubscriptions
	payments *memoryPayments
	profiles *memoryProfiles
	outbox   *outbox.InMemoryRepository
	uow      *countingUnitOfWork
	dedup    *memoryDedup
	gateway  *fakeGateway
	metrics  *observability.InMemoryMetrics
	settings Settings
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	price, err := domain.ParsePrice("4.99", "GBP")
	require.NoError(t, err)
	settings := DefaultSettings(price)
	settings.RedirectURI = "https://app.example/complete"
	settings.ExitURI = "https://app.example/exit"
	return &harness{
		subs:     newMemorySubscriptions(),
		payments: newMemoryPayments(),
		profiles: newMemoryProfiles(),
		outbox:   outbox.NewInMemoryRepository(),
		uow:      &countingUnitOfWork{},
		dedup:    newMemoryDedup(),
		gateway:  newFakeGateway(),
		metrics:  observability.NewInMemoryMetrics(),
		settings: settings,
		now:      testNow,
	}
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) store() Store {
	return Store{
		Subscriptions: h.subs,
		Payments:      h.payments,
		Profiles:      h.profiles,
		Outbox:        h.outbox,
		UnitOfWork:    h.uow,
	}
}

func (h *harness) activator() *Activator {
	return NewActivator(h.store(), h.gateway, h.clock, nil, h.metrics)
}

func (h *harness) initiator() *InitiateHandler {
	return NewInitiateHandler(h.store(), h.gateway, h.settings, h.clock, nil)
}

func (h *harness) completer() *CompleteHandler {
	return NewCompleteHandler(h.store(), h.gateway, h.activator(), nil)
}

func (h *harness) webhooks(parser WebhookParser) *WebhookProcessor {
	return NewWebhookProcessor(h.store(), h.gateway, h.activator(), parser, h.dedup, h.clock, nil, h.metrics)
}

func (h *harness) reconciler(notifier Notifier) *Reconciler {
	return NewReconciler(ReconcilerDeps{
		Store:     h.store(),
		Gateway:   h.gateway,
		Activator: h.activator(),
		Notifier:  notifier,
		Purger:    h.dedup,
		Settings:  h.settings,
		Clock:     h.clock,
		Metrics:   h.metrics,
	})
}

func (h *harness) addProfile(t *testing.T) *domain.Profile {
	t.Helper()
	p := &domain.Profile{
		UserID:     uuid.New(),
		Email:      "ada@example.com",
		GivenName:  "Ada",
		FamilyName: "Lovelace",
		UpdatedAt:  h.now,
	}
	require.NoError(t, h.profiles.Save(context.Background(), p))
	return p
}

// initiate runs a setup for a fresh user and returns the result.
func (h *harness) initiate(t *testing.T) (*domain.Profile, *InitiateResult) {
	t.Helper()
	profile := h.addProfile(t)
	res, err := h.initiator().Handle(context.Background(), InitiateCommand{UserID: profile.UserID})
	require.NoError(t, err)
	return profile, res
}

// activeSubscription runs a full setup and activation.
func (h *harness) activeSubscription(t *testing.T) (*domain.Profile, *domain.Subscription) {
	t.Helper()
	profile, res := h.initiate(t)
	h.gateway.fulfil(res.BillingRequestID, "MD-"+profile.UserID.String()[:8], "CU-"+profile.UserID.String()[:8], "")
	br, err := h.gateway.GetBillingRequest(context.Background(), res.BillingRequestID)
	require.NoError(t, err)
	_, err = h.activator().ActivateBillingRequest(context.Background(), br)
	require.NoError(t, err)
	return profile, h.subs.get(t, res.SubscriptionID)
}

func tagOutcome(v string) observability.Tag { return observability.T("outcome", v) }
