package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCreatedEnvelope(t *testing.T, orderID, paymentID uuid.UUID) Envelope {
	t.Helper()
	env := NewEnvelope(orderID, OrderCreated{
		OrderNumber:   "ORD-20260825-0001",
		CustomerID:    "cust-1",
		Items:         []OrderItem{{OrderID: orderID, ProductID: uuid.New(), UnitPriceCents: 2000, Quantity: 2, LineTotalCents: 4000}},
		SubtotalCents: 4000,
		TaxCents:      400,
		ShippingCents: 500,
		TotalCents:    4900,
		Currency:      "usd",
		PaymentID:     paymentID,
		PaymentMethod: "card",
	})
	env.Version = 1
	return env
}

func appendEvent(events []Envelope, ev OrderEvent) []Envelope {
	env := NewEnvelope(events[0].AggregateID, ev)
	env.Version = events[len(events)-1].Version + 1
	env.OccurredAt = events[len(events)-1].OccurredAt.Add(time.Second)
	return append(events, env)
}

func Test_Fold_ReproducesOrderState(t *testing.T) {
	orderID := uuid.New()
	paymentID := uuid.New()

	events := []Envelope{makeCreatedEnvelope(t, orderID, paymentID)}
	events = appendEvent(events, PaymentInitiated{PaymentID: paymentID, ProviderRef: "pi_123"})
	events = appendEvent(events, PaymentCaptured{PaymentID: paymentID, AmountCents: 4900, ProviderRef: "pi_123"})
	events = appendEvent(events, StatusChanged{From: OrderPending, To: OrderConfirmed, Actor: "webhook"})
	events = appendEvent(events, StatusChanged{From: OrderConfirmed, To: OrderProcessing, Actor: "ops"})
	events = appendEvent(events, StatusChanged{From: OrderProcessing, To: OrderShipped, Actor: "ops"})
	events = appendEvent(events, StatusChanged{From: OrderShipped, To: OrderDelivered, Actor: "carrier"})

	st, err := Fold(events)
	require.NoError(t, err)

	assert.Equal(t, orderID, st.Order.ID)
	assert.Equal(t, OrderDelivered, st.Order.Status)
	assert.Equal(t, int64(7), st.Order.Version)
	assert.Equal(t, int64(4900), st.Order.TotalCents)
	assert.Equal(t, PaymentStatusCaptured, st.Payment.Status)
	assert.Equal(t, "pi_123", st.Payment.ExternalID)
	require.Len(t, st.Items, 1)
	require.NoError(t, st.Order.CheckTotals(st.Items))
}

func Test_Fold_RefundDerivesPaymentStatus(t *testing.T) {
	orderID := uuid.New()
	paymentID := uuid.New()

	events := []Envelope{makeCreatedEnvelope(t, orderID, paymentID)}
	events = appendEvent(events, PaymentCaptured{PaymentID: paymentID, AmountCents: 4900, ProviderRef: "pi_123"})
	events = appendEvent(events, StatusChanged{From: OrderPending, To: OrderConfirmed, Actor: "webhook"})
	events = appendEvent(events, RefundCompleted{RefundID: uuid.New(), PaymentID: paymentID, AmountCents: 1000})

	st, err := Fold(events)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPartiallyRefunded, st.Payment.Status)
	assert.Equal(t, int64(1000), st.RefundedCents)

	events = appendEvent(events, RefundCompleted{RefundID: uuid.New(), PaymentID: paymentID, AmountCents: 3900, Full: true})
	events = appendEvent(events, StatusChanged{From: OrderConfirmed, To: OrderRefunded, Actor: "refund"})

	st, err = Fold(events)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusRefunded, st.Payment.Status)
	assert.Equal(t, OrderRefunded, st.Order.Status)
	assert.Equal(t, int64(4900), st.RefundedCents)
}

func Test_Fold_CancellationVoidsPayment(t *testing.T) {
	orderID := uuid.New()
	paymentID := uuid.New()

	events := []Envelope{makeCreatedEnvelope(t, orderID, paymentID)}
	events = appendEvent(events, PaymentInitiated{PaymentID: paymentID, ProviderRef: "pi_123"})
	events = appendEvent(events, StatusChanged{From: OrderPending, To: OrderCancelled, Actor: "customer"})
	events = appendEvent(events, PaymentCancelled{PaymentID: paymentID, Reason: "order cancelled"})

	st, err := Fold(events)
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, st.Order.Status)
	assert.Equal(t, PaymentStatusCancelled, st.Payment.Status)
	assert.Equal(t, "pi_123", st.Payment.ExternalID)
}

func Test_Fold_RejectsCorruptStreams(t *testing.T) {
	orderID := uuid.New()
	paymentID := uuid.New()

	t.Run("empty stream", func(t *testing.T) {
		_, err := Fold(nil)
		require.Error(t, err)
	})

	t.Run("first event is not creation", func(t *testing.T) {
		env := NewEnvelope(orderID, StatusChanged{From: OrderPending, To: OrderConfirmed})
		env.Version = 1
		_, err := Fold([]Envelope{env})
		require.Error(t, err)
	})

	t.Run("version gap", func(t *testing.T) {
		events := []Envelope{makeCreatedEnvelope(t, orderID, paymentID)}
		env := NewEnvelope(orderID, StatusChanged{From: OrderPending, To: OrderConfirmed})
		env.Version = 3
		_, err := Fold(append(events, env))
		require.Error(t, err)
	})

	t.Run("transition from wrong state", func(t *testing.T) {
		events := []Envelope{makeCreatedEnvelope(t, orderID, paymentID)}
		events = appendEvent(events, StatusChanged{From: OrderConfirmed, To: OrderProcessing})
		_, err := Fold(events)
		require.Error(t, err)
	})

	t.Run("illegal transition", func(t *testing.T) {
		events := []Envelope{makeCreatedEnvelope(t, orderID, paymentID)}
		events = appendEvent(events, StatusChanged{From: OrderPending, To: OrderShipped})
		_, err := Fold(events)
		require.Error(t, err)
	})

	t.Run("duplicate creation", func(t *testing.T) {
		events := []Envelope{makeCreatedEnvelope(t, orderID, paymentID)}
		events = appendEvent(events, OrderCreated{OrderNumber: "ORD-2", PaymentID: paymentID})
		_, err := Fold(events)
		require.Error(t, err)
	})
}

func Test_EncodeDecodeEvent_RoundTrip(t *testing.T) {
	paymentID := uuid.New()
	ev := PaymentCaptured{PaymentID: paymentID, AmountCents: 4900, ProviderRef: "pi_123"}

	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	decoded, err := DecodeEvent(EventPaymentCaptured, data)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)

	_, err = DecodeEvent(EventType("order.archived"), data)
	require.Error(t, err)
}
