package store

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Plan is the subscription tier a user is on.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Subscription status vocabulary mirrors Stripe's status strings.
const (
	StatusNone     = ""
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusUnpaid   = "unpaid"
)

// UserPlan is the per-user subscription row. One row per user; created lazily
// on first observation (defaulted to free) and mutated only by the reconciler.
type UserPlan struct {
	UserID               string     `json:"user_id"`
	Plan                 Plan       `json:"plan"`
	SubscriptionStatus   string     `json:"subscription_status"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ProcessedEvent is the durable idempotency marker: one row per distinct
// Stripe event ID, written inside the same transaction as the plan mutation.
type ProcessedEvent struct {
	EventID              string            `json:"event_id"`
	UserID               string            `json:"user_id"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	StripeCustomerID     string            `json:"stripe_customer_id"`
	StripeSubscriptionID string            `json:"stripe_subscription_id"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	ProcessedAt          time.Time         `json:"processed_at"`
}

// LedgerStatus is the outcome recorded on a billing ledger entry.
type LedgerStatus string

const (
	LedgerSucceeded LedgerStatus = "succeeded"
	LedgerFailed    LedgerStatus = "failed"
)

// LedgerEntry is an immutable audit record of a financial event. The event ID
// is kept for traceability but is not a dedup key by itself.
type LedgerEntry struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	EventType      string            `json:"event_type"`
	EventID        string            `json:"event_id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         LedgerStatus      `json:"status"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EventCreatedAt time.Time         `json:"event_created_at"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewLedgerID returns a sortable unique ID for a ledger entry.
func NewLedgerID() string {
	return ulid.Make().String()
}
