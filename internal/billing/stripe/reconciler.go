package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/syedarman1/screenme-sub000/internal/billing/bmetrics"
	"github.com/syedarman1/screenme-sub000/internal/billing/store"
)

// ErrMissingUserCorrelation is returned when a checkout event carries no user
// ID in its metadata. The event is permanently unprocessable: it is
// acknowledged so Stripe stops retrying, but logged at error level because a
// silently lost upgrade is a business-critical bug.
var ErrMissingUserCorrelation = errors.New("checkout event missing user correlation id")

// Reconciler applies verified, de-duplicated payment events to user plan rows
// and the billing ledger. Plan transitions are expressed as mutations the
// store applies inside the dedup transaction against the current row; the
// reconciler never holds a plan snapshot across calls.
type Reconciler struct {
	store *store.PlanStore
	now   func() time.Time
}

// NewReconciler creates a Reconciler backed by the given store.
func NewReconciler(s *store.PlanStore) *Reconciler {
	return &Reconciler{store: s, now: time.Now}
}

// HandleCheckoutCompleted upgrades the correlated user to pro and records the
// charge in the ledger. The processed-event insert and the plan mutation share
// one transaction; a duplicate delivery surfaces as store.ErrDuplicateEvent
// with no mutation.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, eventID string, eventCreated time.Time, session CheckoutSession) error {
	return r.applyCheckout(ctx, eventID, eventCreated, session, true)
}

// HandleCheckoutVerified applies the same upgrade for the server-side
// verification path, keyed by the checkout session ID. It never writes the
// ledger: the audit row belongs to the webhook's event ID, so a verification
// racing the webhook cannot record the same charge twice.
func (r *Reconciler) HandleCheckoutVerified(ctx context.Context, sessionID string, eventCreated time.Time, session CheckoutSession) error {
	return r.applyCheckout(ctx, sessionID, eventCreated, session, false)
}

func (r *Reconciler) applyCheckout(ctx context.Context, eventID string, eventCreated time.Time, session CheckoutSession, recordLedger bool) error {
	userID := session.UserID()
	if userID == "" {
		log.Error().
			Str("event_id", eventID).
			Str("session_id", session.ID).
			Str("customer_id", session.Customer).
			Msg("checkout.session.completed missing user correlation metadata")
		return ErrMissingUserCorrelation
	}

	customerID := strings.TrimSpace(session.Customer)
	subscriptionID := strings.TrimSpace(session.Subscription)

	pe := &store.ProcessedEvent{
		EventID:              eventID,
		UserID:               userID,
		Amount:               session.AmountTotal,
		Currency:             session.Currency,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
		Metadata:             session.Metadata,
	}
	if _, err := r.applyPlanEvent(ctx, pe, userID, func(up *store.UserPlan) {
		up.Plan = store.PlanPro
		up.SubscriptionStatus = store.StatusActive
		up.StripeCustomerID = customerID
		up.StripeSubscriptionID = subscriptionID
		up.CanceledAt = nil
	}); err != nil {
		return err
	}

	if recordLedger && session.PaymentStatus == "paid" {
		r.appendLedger(ctx, &store.LedgerEntry{
			UserID:         userID,
			EventType:      EventCheckoutCompleted,
			EventID:        eventID,
			Amount:         session.AmountTotal,
			Currency:       session.Currency,
			Status:         store.LedgerSucceeded,
			Metadata:       session.Metadata,
			EventCreatedAt: eventCreated,
		})
	}

	log.Info().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("customer_id", session.Customer).
		Str("subscription_id", session.Subscription).
		Msg("checkout.session.completed processed")
	return nil
}

// HandleSubscriptionUpdated mirrors the provider's subscription status onto
// the owning user's plan row. The owner is resolved by subscription ID so
// renewals triggered outside checkout still land.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, eventID string, sub Subscription) error {
	userID, err := r.store.FindUserBySubscriptionID(ctx, strings.TrimSpace(sub.ID))
	if err != nil {
		return fmt.Errorf("lookup user by subscription: %w", err)
	}
	if userID == "" {
		log.Warn().
			Str("event_id", eventID).
			Str("subscription_id", sub.ID).
			Str("customer_id", sub.Customer).
			Msg("customer.subscription.updated: no user for subscription")
		return nil
	}

	status := strings.ToLower(strings.TrimSpace(sub.Status))
	customerID := strings.TrimSpace(sub.Customer)
	subscriptionID := strings.TrimSpace(sub.ID)

	pe := &store.ProcessedEvent{
		EventID:              eventID,
		UserID:               userID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
	}
	up, err := r.applyPlanEvent(ctx, pe, userID, func(up *store.UserPlan) {
		switch status {
		case store.StatusCanceled, store.StatusUnpaid, store.StatusPastDue:
			up.Plan = store.PlanFree
			up.SubscriptionStatus = status
		case store.StatusActive:
			up.Plan = store.PlanPro
			up.SubscriptionStatus = store.StatusActive
		default:
			// Fail closed: an unknown status never keeps a paid plan.
			up.Plan = store.PlanFree
			up.SubscriptionStatus = status
		}
		up.StripeCustomerID = customerID
		up.StripeSubscriptionID = subscriptionID
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Str("status", status).
		Str("plan", string(up.Plan)).
		Msg("customer.subscription.updated processed")
	return nil
}

// HandleSubscriptionDeleted cancels the owning user's plan and clears the
// stored provider references.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, eventID string, sub Subscription) error {
	userID, err := r.store.FindUserBySubscriptionID(ctx, strings.TrimSpace(sub.ID))
	if err != nil {
		return fmt.Errorf("lookup user by subscription: %w", err)
	}
	if userID == "" {
		log.Warn().
			Str("event_id", eventID).
			Str("subscription_id", sub.ID).
			Msg("customer.subscription.deleted: no user for subscription")
		return nil
	}

	pe := &store.ProcessedEvent{
		EventID:              eventID,
		UserID:               userID,
		StripeCustomerID:     strings.TrimSpace(sub.Customer),
		StripeSubscriptionID: strings.TrimSpace(sub.ID),
	}
	canceledAt := r.now().UTC()
	if _, err := r.applyPlanEvent(ctx, pe, userID, func(up *store.UserPlan) {
		up.Plan = store.PlanFree
		up.SubscriptionStatus = store.StatusCanceled
		up.StripeCustomerID = ""
		up.StripeSubscriptionID = ""
		up.CanceledAt = &canceledAt
	}); err != nil {
		return err
	}

	log.Info().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Msg("customer.subscription.deleted processed")
	return nil
}

// HandleInvoicePaid forces the owning user to (pro, active) and records the
// charge. A successful recurring charge always implies active pro.
func (r *Reconciler) HandleInvoicePaid(ctx context.Context, eventID string, eventCreated time.Time, inv Invoice) error {
	userID, err := r.store.FindUserByCustomerID(ctx, strings.TrimSpace(inv.Customer))
	if err != nil {
		return fmt.Errorf("lookup user by customer: %w", err)
	}
	if userID == "" {
		log.Warn().
			Str("event_id", eventID).
			Str("customer_id", inv.Customer).
			Msg("invoice.paid: no user for customer")
		return nil
	}

	customerID := strings.TrimSpace(inv.Customer)
	subscriptionID := strings.TrimSpace(inv.Subscription)

	pe := &store.ProcessedEvent{
		EventID:              eventID,
		UserID:               userID,
		Amount:               inv.AmountPaid,
		Currency:             inv.Currency,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
	}
	if _, err := r.applyPlanEvent(ctx, pe, userID, func(up *store.UserPlan) {
		up.Plan = store.PlanPro
		up.SubscriptionStatus = store.StatusActive
		up.StripeCustomerID = customerID
		if subscriptionID != "" {
			up.StripeSubscriptionID = subscriptionID
		}
		up.CanceledAt = nil
	}); err != nil {
		return err
	}

	r.appendLedger(ctx, &store.LedgerEntry{
		UserID:         userID,
		EventType:      EventInvoicePaid,
		EventID:        eventID,
		Amount:         inv.AmountPaid,
		Currency:       inv.Currency,
		Status:         store.LedgerSucceeded,
		EventCreatedAt: eventCreated,
	})

	log.Info().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("customer_id", inv.Customer).
		Int64("amount", inv.AmountPaid).
		Msg("invoice.paid processed")
	return nil
}

// HandleInvoiceFailed marks the owning user past_due without touching any
// other plan field (grace period; the downgrade arrives later via
// subscription events or the grace enforcer) and records the failed charge.
func (r *Reconciler) HandleInvoiceFailed(ctx context.Context, eventID string, eventCreated time.Time, inv Invoice) error {
	userID, err := r.store.FindUserByCustomerID(ctx, strings.TrimSpace(inv.Customer))
	if err != nil {
		return fmt.Errorf("lookup user by customer: %w", err)
	}
	if userID == "" {
		log.Warn().
			Str("event_id", eventID).
			Str("customer_id", inv.Customer).
			Msg("invoice.payment_failed: no user for customer")
		return nil
	}

	pe := &store.ProcessedEvent{
		EventID:              eventID,
		UserID:               userID,
		Amount:               inv.AmountDue,
		Currency:             inv.Currency,
		StripeCustomerID:     strings.TrimSpace(inv.Customer),
		StripeSubscriptionID: strings.TrimSpace(inv.Subscription),
	}
	if _, err := r.applyPlanEvent(ctx, pe, userID, func(up *store.UserPlan) {
		up.SubscriptionStatus = store.StatusPastDue
	}); err != nil {
		return err
	}

	r.appendLedger(ctx, &store.LedgerEntry{
		UserID:         userID,
		EventType:      EventInvoiceFailed,
		EventID:        eventID,
		Amount:         inv.AmountDue,
		Currency:       inv.Currency,
		Status:         store.LedgerFailed,
		FailureReason:  fmt.Sprintf("payment failed (attempt %d)", inv.AttemptCount),
		EventCreatedAt: eventCreated,
	})

	log.Warn().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("customer_id", inv.Customer).
		Int64("attempt_count", inv.AttemptCount).
		Msg("invoice.payment_failed processed; user past_due")
	return nil
}

func (r *Reconciler) applyPlanEvent(ctx context.Context, pe *store.ProcessedEvent, userID string, mutate func(*store.UserPlan)) (*store.UserPlan, error) {
	up, err := r.store.ApplyEvent(ctx, pe, userID, mutate)
	if err != nil {
		return nil, err
	}
	bmetrics.PlanTransitionsTotal.WithLabelValues(string(up.Plan), up.SubscriptionStatus).Inc()
	return up, nil
}

// appendLedger writes the audit row. The plan update is the primary effect;
// a ledger failure is logged and never fails the transition.
func (r *Reconciler) appendLedger(ctx context.Context, le *store.LedgerEntry) {
	if err := r.store.AppendLedgerEntry(ctx, le); err != nil {
		log.Error().Err(err).
			Str("event_id", le.EventID).
			Str("user_id", le.UserID).
			Str("event_type", le.EventType).
			Msg("failed to append billing ledger entry")
		return
	}
	bmetrics.LedgerEntriesTotal.WithLabelValues(string(le.Status)).Inc()
}
