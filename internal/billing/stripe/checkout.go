package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/syedarman1/screenme-sub000/internal/billing/store"
)

const (
	maxUpgradeAttempts = 3
	upgradeRetryBase   = 250 * time.Millisecond
)

// ErrCheckoutNotPaid is returned when a verified session has not completed payment.
var ErrCheckoutNotPaid = errors.New("checkout session not paid")

// CheckoutVerifier handles the non-webhook upgrade path: after the user
// returns from Stripe checkout, the app verifies the session server-side and
// applies the same idempotent upgrade the webhook would. The ledger row stays
// with the webhook delivery, whichever path lands first.
type CheckoutVerifier struct {
	reconciler   *Reconciler
	store        *store.PlanStore
	fetchSession func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewCheckoutVerifier creates a verifier using the live Stripe API.
func NewCheckoutVerifier(reconciler *Reconciler, s *store.PlanStore) *CheckoutVerifier {
	return &CheckoutVerifier{
		reconciler:   reconciler,
		store:        s,
		fetchSession: stripesession.Get,
	}
}

// VerifyCheckout retrieves the checkout session from Stripe and upgrades the
// correlated user. The session ID doubles as the idempotency key for this
// path, so repeated verification calls (page refreshes) apply once. Transient
// storage failures are retried with exponential backoff; data problems are not.
func (v *CheckoutVerifier) VerifyCheckout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("checkout session id is required")
	}

	sess, err := v.fetchSession(sessionID, &stripelib.CheckoutSessionParams{})
	if err != nil {
		return fmt.Errorf("retrieve checkout session: %w", err)
	}
	if sess.PaymentStatus != stripelib.CheckoutSessionPaymentStatusPaid {
		return fmt.Errorf("%w: status %q", ErrCheckoutNotPaid, sess.PaymentStatus)
	}

	session := CheckoutSession{
		ID:            sess.ID,
		Mode:          string(sess.Mode),
		AmountTotal:   sess.AmountTotal,
		Currency:      string(sess.Currency),
		PaymentStatus: string(sess.PaymentStatus),
		Metadata:      sess.Metadata,
	}
	if sess.Customer != nil {
		session.Customer = sess.Customer.ID
	}
	if sess.Subscription != nil {
		session.Subscription = sess.Subscription.ID
	}

	// The webhook usually wins this race. If the plan already reflects this
	// session's subscription, skip rather than writing a second ledger row
	// under a different idempotency key.
	if userID := session.UserID(); userID != "" && session.Subscription != "" {
		up, err := v.store.GetUserPlan(ctx, userID)
		if err != nil {
			return fmt.Errorf("load user plan: %w", err)
		}
		if up != nil && up.Plan == store.PlanPro && up.StripeSubscriptionID == session.Subscription {
			log.Info().
				Str("session_id", sessionID).
				Str("user_id", userID).
				Msg("checkout verification: plan already upgraded via webhook")
			return nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxUpgradeAttempts; attempt++ {
		err := v.reconciler.HandleCheckoutVerified(ctx, sessionID, time.Unix(sess.Created, 0).UTC(), session)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrDuplicateEvent):
			// Already applied by an earlier verification or the webhook race
			// for the same session.
			log.Info().
				Str("session_id", sessionID).
				Msg("checkout verification: upgrade already applied")
			return nil
		case errors.Is(err, ErrMissingUserCorrelation):
			return err
		}

		lastErr = err
		if attempt < maxUpgradeAttempts {
			backoff := upgradeRetryBase << (attempt - 1)
			log.Warn().Err(err).
				Str("session_id", sessionID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("checkout verification: upgrade failed; retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("upgrade after checkout %s: %w", sessionID, lastErr)
}
