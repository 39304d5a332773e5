package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
	sharedDomain "github.com/helyar/helyar/internal/shared/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/outbox"
	"github.com/helyar/helyar/pkg/observability"
)

// Store groups the persistence ports every use case writes through.
type Store struct {
	Subscriptions domain.SubscriptionRepository
	Payments      domain.PaymentRepository
	Profiles      domain.ProfileRepository
	Outbox        outbox.Repository
	UnitOfWork    sharedApplication.UnitOfWork
}

// persist writes the subscription, its profile mirror and every pending
// event in the transaction carried by txCtx.
func (st Store) persist(txCtx context.Context, s *domain.Subscription, profile *domain.Profile, now time.Time, extra ...sharedDomain.DomainEvent) error {
	s.ApplyExpiry(now)
	if err := s.CheckInvariants(now); err != nil {
		return fmt.Errorf("subscription %s: %w", s.ID(), err)
	}
	if err := st.Subscriptions.Save(txCtx, s); err != nil {
		return err
	}
	if profile != nil {
		profile.MirrorSubscription(s, now)
		if err := st.Profiles.Save(txCtx, profile); err != nil {
			return err
		}
	}

	events := append(s.DomainEvents(), extra...)
	if err := st.publish(txCtx, s.UserID(), events); err != nil {
		return err
	}
	s.ClearDomainEvents()
	return nil
}

// publish appends events to the outbox with request metadata.
func (st Store) publish(ctx context.Context, userID uuid.UUID, events []sharedDomain.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(observability.CorrelationIDFromContext(ctx), userID))

	msgs := make([]*outbox.Message, 0, len(events))
	for _, event := range events {
		msg, err := outbox.NewMessage(event)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return st.Outbox.SaveBatch(ctx, msgs)
}

// profileFor loads the user's profile mirror, or nil when billing has none.
func (st Store) profileFor(ctx context.Context, userID uuid.UUID, logger *slog.Logger) (*domain.Profile, error) {
	profile, err := st.Profiles.FindByUserID(ctx, userID)
	if errors.Is(err, domain.ErrProfileNotFound) {
		logger.Warn("no profile mirror for subscription owner", "user_id", userID)
		return nil, nil
	}
	return profile, err
}

// saveInTx persists s in its own unit of work.
func (st Store) saveInTx(ctx context.Context, s *domain.Subscription, profile *domain.Profile, now time.Time, extra ...sharedDomain.DomainEvent) error {
	return sharedApplication.WithUnitOfWork(ctx, st.UnitOfWork, func(txCtx context.Context) error {
		return st.persist(txCtx, s, profile, now, extra...)
	})
}
