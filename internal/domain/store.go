package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event store sentinels. Kept beside the other sentinels so services can
// branch on them without importing the store packages.
var (
	// ErrVersionConflict is returned by an append whose expected version no
	// longer matches the aggregate head. The caller re-reads and retries.
	ErrVersionConflict = &Error{Code: ECONFLICT, Message: "Event version conflict"}

	// ErrDuplicateEvent is returned when an envelope's dedupe key has
	// already been recorded. The delivery is a duplicate and must be
	// acknowledged without side effects.
	ErrDuplicateEvent = &Error{Code: ECONFLICT, Message: "Duplicate event delivery"}
)

// TransitionParams describes one atomic mutation of an order aggregate:
// the row updates plus the events that record them, applied together or
// not at all.
type TransitionParams struct {
	OrderID uuid.UUID

	// ExpectedVersion is the aggregate version the caller read. The store
	// assigns ExpectedVersion+1.. to Events and fails with
	// ErrVersionConflict if the head moved.
	ExpectedVersion int64

	// NewStatus, when set, updates the order row. The StatusChanged event
	// recording it must be present in Events.
	NewStatus OrderStatus

	// PaymentStatus, when non-nil, updates the payment row.
	PaymentStatus *PaymentStatus

	// PaymentExternalID, when non-empty, records the provider reference on
	// the payment row.
	PaymentExternalID string

	// Refund, when non-nil, is upserted alongside the transition.
	Refund *Refund

	// Events are appended in order. Any envelope carrying a dedupe key that
	// was already recorded fails the whole transition with
	// ErrDuplicateEvent.
	Events []Envelope
}

// OrderFilter narrows and pages an order listing.
type OrderFilter struct {
	Status *OrderStatus
	Limit  int32
	Offset int32
}

// OrderStore persists the materialized order aggregate and its event log.
// Every mutation is atomic across rows and events so the fold of the log
// always equals the rows.
type OrderStore interface {
	// CreateOrder atomically inserts the order, items, payment, and the
	// version-1 OrderCreated envelope. A duplicate idempotency key fails
	// with ErrDuplicateEvent.
	CreateOrder(ctx context.Context, detail *OrderDetail, created Envelope) error

	// Transition applies one atomic mutation per TransitionParams and
	// returns the updated detail.
	Transition(ctx context.Context, p TransitionParams) (*OrderDetail, error)

	// GetOrder loads the full materialized detail.
	GetOrder(ctx context.Context, id uuid.UUID) (*OrderDetail, error)

	// GetOrderByIdempotencyKey resolves a confirm retry to the order it
	// already created, or ErrOrderNotFound.
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*OrderDetail, error)

	// GetPayment loads one payment, or ErrPaymentNotFound.
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)

	// GetPaymentByExternalID resolves a provider reference to its payment,
	// or ErrPaymentNotFound.
	GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error)

	// ListOrders returns materialized orders newest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)

	// ListStalePendingPayments returns pending payments created before the
	// cutoff, for reconciliation.
	ListStalePendingPayments(ctx context.Context, cutoff time.Time) ([]Payment, error)

	// CreateRefund inserts a refund in its initial status.
	CreateRefund(ctx context.Context, r *Refund) error

	// UpdateRefund persists a refund status move that does not touch the
	// order aggregate (PENDING -> PROCESSING, -> FAILED). Completion goes
	// through Transition instead.
	UpdateRefund(ctx context.Context, r *Refund) error

	// GetRefund loads one refund, or ErrRefundNotFound.
	GetRefund(ctx context.Context, id uuid.UUID) (*Refund, error)

	// ListRefundsByPayment returns all refunds against a payment.
	ListRefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]Refund, error)
}

// ErrRefundNotFound indicates the requested refund does not exist.
var ErrRefundNotFound = &Error{Code: ENOTFOUND, Message: "Refund not found"}
