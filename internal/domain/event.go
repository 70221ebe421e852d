package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the concrete variant of an order event.
type EventType string

const (
	EventOrderCreated     EventType = "order.created"
	EventStatusChanged    EventType = "order.status_changed"
	EventPaymentInitiated EventType = "payment.initiated"
	EventPaymentCaptured  EventType = "payment.captured"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentCancelled EventType = "payment.cancelled"
	EventRefundCompleted  EventType = "refund.completed"
)

// AggregateOrder is the aggregate_type for order events.
const AggregateOrder = "order"

// OrderEvent is the tagged union of everything that can happen to an
// order aggregate. Folding the ordered events for an aggregate id must
// reproduce the materialized Order/Payment rows exactly.
type OrderEvent interface {
	EventType() EventType
}

// OrderCreated records the atomic creation of an order with its frozen
// item snapshots and pending payment.
type OrderCreated struct {
	OrderNumber     string      `json:"order_number"`
	CustomerID      string      `json:"customer_id"`
	Items           []OrderItem `json:"items"`
	SubtotalCents   int64       `json:"subtotal_cents"`
	TaxCents        int64       `json:"tax_cents"`
	ShippingCents   int64       `json:"shipping_cents"`
	TotalCents      int64       `json:"total_cents"`
	Currency        string      `json:"currency"`
	ShippingAddress Address     `json:"shipping_address"`
	BillingAddress  Address     `json:"billing_address"`
	PaymentID       uuid.UUID   `json:"payment_id"`
	PaymentMethod   string      `json:"payment_method"`
	IdempotencyKey  string      `json:"idempotency_key"`
}

func (OrderCreated) EventType() EventType { return EventOrderCreated }

// StatusChanged records a single legal transition of the order status.
type StatusChanged struct {
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	Actor  string      `json:"actor"`
	Reason string      `json:"reason,omitempty"`
}

func (StatusChanged) EventType() EventType { return EventStatusChanged }

// PaymentInitiated records the provider intent backing the payment.
type PaymentInitiated struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	ProviderRef string    `json:"provider_ref"`
}

func (PaymentInitiated) EventType() EventType { return EventPaymentInitiated }

// PaymentCaptured records a successful capture reported by the provider.
type PaymentCaptured struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	AmountCents int64     `json:"amount_cents"`
	ProviderRef string    `json:"provider_ref"`
}

func (PaymentCaptured) EventType() EventType { return EventPaymentCaptured }

// PaymentFailed records a terminal failure reported by the provider.
type PaymentFailed struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func (PaymentFailed) EventType() EventType { return EventPaymentFailed }

// PaymentCancelled records a pending payment being voided, either with a
// cancelled order or because the provider cancelled the intent.
type PaymentCancelled struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Reason    string    `json:"reason,omitempty"`
}

func (PaymentCancelled) EventType() EventType { return EventPaymentCancelled }

// RefundCompleted records a refund settling against the payment.
type RefundCompleted struct {
	RefundID    uuid.UUID `json:"refund_id"`
	PaymentID   uuid.UUID `json:"payment_id"`
	AmountCents int64     `json:"amount_cents"`
	Full        bool      `json:"full"`
}

func (RefundCompleted) EventType() EventType { return EventRefundCompleted }

// Envelope wraps an OrderEvent with the aggregate bookkeeping the event
// store needs: per-aggregate monotonic version and an optional dedupe key
// for external-provider event ids.
type Envelope struct {
	ID            uuid.UUID
	AggregateID   uuid.UUID
	AggregateType string
	Version       int64
	DedupeKey     string
	OccurredAt    time.Time
	Event         OrderEvent
}

// NewEnvelope builds an envelope for an order event. Version is assigned
// by the event store on append.
func NewEnvelope(aggregateID uuid.UUID, ev OrderEvent) Envelope {
	return Envelope{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: AggregateOrder,
		OccurredAt:    time.Now().UTC(),
		Event:         ev,
	}
}

// WithDedupeKey sets the dedupe key used to drop duplicate deliveries of
// external-provider events.
func (e Envelope) WithDedupeKey(key string) Envelope {
	e.DedupeKey = key
	return e
}

// EncodeEvent serializes the event payload for storage.
func EncodeEvent(ev OrderEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	return data, nil
}

// DecodeEvent deserializes a stored payload back into its typed variant.
func DecodeEvent(eventType EventType, payload []byte) (OrderEvent, error) {
	var (
		ev  OrderEvent
		err error
	)
	switch eventType {
	case EventOrderCreated:
		var e OrderCreated
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventStatusChanged:
		var e StatusChanged
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventPaymentInitiated:
		var e PaymentInitiated
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventPaymentCaptured:
		var e PaymentCaptured
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventPaymentCancelled:
		var e PaymentCancelled
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventPaymentFailed:
		var e PaymentFailed
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventRefundCompleted:
		var e RefundCompleted
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", eventType, err)
	}
	return ev, nil
}

// FoldedState is the order aggregate state reconstructed from its events.
type FoldedState struct {
	Order   Order
	Items   []OrderItem
	Payment Payment
	// RefundedCents is the running total of completed refund amounts.
	RefundedCents int64
}

// Fold replays the ordered events of one aggregate and returns the derived
// state. The result must equal the materialized rows; the identity is
// asserted in tests and by the order service's replay check.
func Fold(events []Envelope) (*FoldedState, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("fold: no events")
	}

	created, ok := events[0].Event.(OrderCreated)
	if !ok {
		return nil, fmt.Errorf("fold: first event is %s, want %s",
			events[0].Event.EventType(), EventOrderCreated)
	}

	st := &FoldedState{
		Order: Order{
			ID:              events[0].AggregateID,
			OrderNumber:     created.OrderNumber,
			CustomerID:      created.CustomerID,
			Status:          OrderPending,
			SubtotalCents:   created.SubtotalCents,
			TaxCents:        created.TaxCents,
			ShippingCents:   created.ShippingCents,
			TotalCents:      created.TotalCents,
			Currency:        created.Currency,
			ShippingAddress: created.ShippingAddress,
			BillingAddress:  created.BillingAddress,
			IdempotencyKey:  created.IdempotencyKey,
			Version:         events[0].Version,
			CreatedAt:       events[0].OccurredAt,
			UpdatedAt:       events[0].OccurredAt,
		},
		Items: created.Items,
		Payment: Payment{
			ID:          created.PaymentID,
			OrderID:     events[0].AggregateID,
			Method:      created.PaymentMethod,
			AmountCents: created.TotalCents,
			Currency:    created.Currency,
			Status:      PaymentStatusPending,
			CreatedAt:   events[0].OccurredAt,
			UpdatedAt:   events[0].OccurredAt,
		},
	}

	for _, env := range events[1:] {
		if env.Version != st.Order.Version+1 {
			return nil, fmt.Errorf("fold: version gap at %d, want %d",
				env.Version, st.Order.Version+1)
		}

		switch ev := env.Event.(type) {
		case StatusChanged:
			if ev.From != st.Order.Status {
				return nil, fmt.Errorf("fold: transition from %s but state is %s",
					ev.From, st.Order.Status)
			}
			if !CanTransition(ev.From, ev.To) {
				return nil, fmt.Errorf("fold: illegal transition %s -> %s", ev.From, ev.To)
			}
			st.Order.Status = ev.To
		case PaymentInitiated:
			st.Payment.ExternalID = ev.ProviderRef
		case PaymentCaptured:
			st.Payment.Status = PaymentStatusCaptured
			st.Payment.ExternalID = ev.ProviderRef
		case PaymentFailed:
			st.Payment.Status = PaymentStatusFailed
		case PaymentCancelled:
			st.Payment.Status = PaymentStatusCancelled
		case RefundCompleted:
			st.RefundedCents += ev.AmountCents
			if ev.Full || st.RefundedCents >= st.Payment.AmountCents {
				st.Payment.Status = PaymentStatusRefunded
			} else {
				st.Payment.Status = PaymentStatusPartiallyRefunded
			}
		case OrderCreated:
			return nil, fmt.Errorf("fold: duplicate %s at version %d",
				EventOrderCreated, env.Version)
		default:
			return nil, fmt.Errorf("fold: unhandled event %s", env.Event.EventType())
		}

		st.Order.Version = env.Version
		st.Order.UpdatedAt = env.OccurredAt
		st.Payment.UpdatedAt = env.OccurredAt
	}

	return st, nil
}
