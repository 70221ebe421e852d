package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusCaptured          PaymentStatus = "captured"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Payment tracks a charge against an order with an external provider.
// Mutated only through event-producing transitions, never deleted.
type Payment struct {
	ID          uuid.UUID         `json:"id"`
	OrderID     uuid.UUID         `json:"order_id"`
	Method      string            `json:"method"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Status      PaymentStatus     `json:"status"`
	ExternalID  string            `json:"external_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// RefundStatus is the lifecycle state of a refund.
type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "pending"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusCompleted  RefundStatus = "completed"
	RefundStatusFailed     RefundStatus = "failed"
)

// Refund is a partial or full refund against a captured payment.
// Immutable once COMPLETED or FAILED.
type Refund struct {
	ID          uuid.UUID    `json:"id"`
	PaymentID   uuid.UUID    `json:"payment_id"`
	AmountCents int64        `json:"amount_cents"`
	Reason      string       `json:"reason"`
	Status      RefundStatus `json:"status"`
	ExternalID  string       `json:"external_id,omitempty"`
	FailureNote string       `json:"failure_note,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// CompletedRefundTotal sums the amounts of completed refunds. The invariant
// total <= payment.AmountCents is enforced by the refund processor before
// any mutation.
func CompletedRefundTotal(refunds []Refund) int64 {
	var total int64
	for _, r := range refunds {
		if r.Status == RefundStatusCompleted {
			total += r.AmountCents
		}
	}
	return total
}

// ReservedRefundTotal sums completed plus in-flight (pending or
// processing) refund amounts. The refund processor guards new requests
// against this total, so concurrent refunds cannot overdraw the payment
// while one of them is still at the provider.
func ReservedRefundTotal(refunds []Refund) int64 {
	var total int64
	for _, r := range refunds {
		switch r.Status {
		case RefundStatusCompleted, RefundStatusPending, RefundStatusProcessing:
			total += r.AmountCents
		}
	}
	return total
}
