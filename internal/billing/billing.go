package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Provider defines the interface for payment processing.
// Implementations can use Stripe, PayPal, Square, etc.
type Provider interface {
	// CreatePaymentIntent creates a payment intent for a one-time charge.
	// Returns the intent with client_secret for frontend confirmation.
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// GetPaymentIntent retrieves an existing payment intent. Used by the
	// reconciler to resolve payments whose webhook never arrived.
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)

	// CancelPaymentIntent cancels an intent that has not been confirmed.
	CancelPaymentIntent(ctx context.Context, paymentIntentID string) error

	// RefundPayment refunds a captured payment, fully or partially.
	RefundPayment(ctx context.Context, params RefundParams) (*Refund, error)

	// ParseWebhook verifies the signature of a webhook delivery and
	// normalizes it into an Event. Unrecognized event types come back as
	// EventUnhandled, not an error.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// CreatePaymentIntentParams contains parameters for creating a payment intent.
type CreatePaymentIntentParams struct {
	// OrderID links the intent back to our order via metadata.
	OrderID uuid.UUID

	// AmountCents is the amount in smallest currency unit.
	AmountCents int64

	// Currency code (ISO 4217 lowercase), e.g. "usd".
	Currency string

	// Description appears on the customer's statement.
	Description string

	// IdempotencyKey prevents duplicate intents on retried confirms.
	IdempotencyKey string

	// Metadata for filtering and reporting (always includes order_id).
	Metadata map[string]string
}

// PaymentIntent represents a provider-side payment intent.
type PaymentIntent struct {
	// ID is the provider's intent id (pi_... for Stripe).
	ID string

	// ClientSecret is used by the frontend to confirm payment.
	ClientSecret string

	AmountCents int64
	Currency    string

	// Status is the provider's status string, e.g. "succeeded",
	// "processing", "requires_payment_method", "canceled".
	Status string

	Metadata  map[string]string
	CreatedAt time.Time

	// LastError carries failure detail when the last attempt failed.
	LastError *PaymentError
}

// Succeeded reports whether the intent has been captured.
func (pi *PaymentIntent) Succeeded() bool { return pi.Status == "succeeded" }

// Canceled reports whether the intent was canceled provider-side.
func (pi *PaymentIntent) Canceled() bool { return pi.Status == "canceled" }

// PaymentError contains details about a failed payment attempt.
type PaymentError struct {
	Code        string
	Message     string
	DeclineCode string
}

// RefundParams contains parameters for refunding a payment.
type RefundParams struct {
	// PaymentRef is the provider's payment intent id.
	PaymentRef string

	AmountCents int64
	Reason      string

	// IdempotencyKey prevents duplicate refunds on retry.
	IdempotencyKey string
}

// Refund represents a provider-side refund.
type Refund struct {
	// ID is the provider's refund id (re_... for Stripe).
	ID          string
	AmountCents int64

	// Status is "succeeded", "pending", or "failed".
	Status string
}

// EventKind classifies a normalized webhook event.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment.succeeded"
	EventPaymentFailed    EventKind = "payment.failed"
	EventPaymentCanceled  EventKind = "payment.canceled"
	EventRefundSucceeded  EventKind = "refund.succeeded"
	EventUnhandled        EventKind = "unhandled"
)

// Event is a provider webhook delivery normalized across providers. The
// provider's event id keys webhook deduplication, so the same delivery
// applied twice is a no-op.
type Event struct {
	// ID is the provider's event id (evt_... for Stripe).
	ID string

	Kind EventKind

	// ProviderRef is the payment intent id the event concerns.
	ProviderRef string

	AmountCents int64

	// FailureCode and FailureMessage are set for EventPaymentFailed.
	FailureCode    string
	FailureMessage string

	// RefundRef is the provider refund id for EventRefundSucceeded.
	RefundRef string

	// Raw is the verified payload, kept for dead-letter recording.
	Raw []byte
}
