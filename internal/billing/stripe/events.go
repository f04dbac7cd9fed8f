package stripe

import "strings"

// Event kinds handled by the router. Stripe adds new kinds over time; anything
// else is acknowledged as a no-op.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.paid"
	EventInvoiceSucceeded    = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
)

// CheckoutSession is a minimal representation of a Stripe checkout.session object.
type CheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	AmountTotal     int64  `json:"amount_total"`
	Currency        string `json:"currency"`
	PaymentStatus   string `json:"payment_status"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// UserID extracts the user correlation ID embedded in checkout metadata.
func (s *CheckoutSession) UserID() string {
	if s.Metadata == nil {
		return ""
	}
	if v := strings.TrimSpace(s.Metadata["userId"]); v != "" {
		return v
	}
	return strings.TrimSpace(s.Metadata["user_id"])
}

// Subscription is a minimal representation of a Stripe subscription object.
type Subscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	Metadata          map[string]string `json:"metadata"`
}

// Invoice is a minimal representation of a Stripe invoice object.
type Invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	AttemptCount  int64  `json:"attempt_count"`
	BillingReason string `json:"billing_reason"`
	Status        string `json:"status"`
}
