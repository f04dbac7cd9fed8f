package grace

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/syedarman1/screenme-sub000/internal/billing/bmetrics"
	"github.com/syedarman1/screenme-sub000/internal/billing/store"
)

const (
	checkInterval = 1 * time.Hour
	maxGraceDays  = 14
)

// Enforcer periodically downgrades users stuck in past_due longer than
// maxGraceDays to (free, canceled). It covers the case where Stripe's own
// retry schedule exhausts without a terminal subscription event arriving.
type Enforcer struct {
	store *store.PlanStore
	now   func() time.Time
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(s *store.PlanStore) *Enforcer {
	return &Enforcer{store: s, now: time.Now}
}

// Run starts the enforcement loop. It blocks until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) {
	log.Info().Msg("Grace period enforcer started")

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Grace period enforcer stopped")
			return
		case <-ticker.C:
			e.enforce(ctx)
		}
	}
}

func (e *Enforcer) enforce(ctx context.Context) {
	cutoff := e.now().UTC().Add(-time.Duration(maxGraceDays) * 24 * time.Hour)

	plans, err := e.store.ListPastDueBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Grace enforcer: failed to list past_due plans")
		return
	}

	for _, up := range plans {
		if ctx.Err() != nil {
			return
		}
		if up == nil {
			continue
		}

		log.Warn().
			Str("user_id", up.UserID).
			Str("customer_id", up.StripeCustomerID).
			Str("subscription_id", up.StripeSubscriptionID).
			Int("grace_days_exceeded", maxGraceDays).
			Msg("Grace period expired, downgrading user to free")

		canceledAt := e.now().UTC()
		up.Plan = store.PlanFree
		up.SubscriptionStatus = store.StatusCanceled
		up.CanceledAt = &canceledAt

		if err := e.store.UpsertUserPlan(ctx, up); err != nil {
			log.Error().Err(err).Str("user_id", up.UserID).Msg("Grace enforcer: failed to downgrade user")
			continue
		}
		bmetrics.PlanTransitionsTotal.WithLabelValues(string(store.PlanFree), store.StatusCanceled).Inc()
	}
}
