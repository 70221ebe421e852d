package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/skadi/internal/domain"
)

// confirmedOrder creates an order and captures its payment.
func confirmedOrder(t *testing.T, env *testEnv) *domain.OrderDetail {
	t.Helper()
	detail := confirmOrder(t, env, "key-1")
	require.NoError(t, env.payments.ApplyProviderEvent(context.Background(), "stripe", successEvent(detail)))
	updated, err := env.store.GetOrder(context.Background(), detail.Order.ID)
	require.NoError(t, err)
	return updated
}

func Test_Order_FulfillmentFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmedOrder(t, env)

	for _, to := range []domain.OrderStatus{
		domain.OrderProcessing, domain.OrderShipped, domain.OrderDelivered,
	} {
		var err error
		detail, err = env.orders.Transition(ctx, detail.Order.ID, to, "ops", "")
		require.NoError(t, err)
		assert.Equal(t, to, detail.Order.Status)
	}

	require.NoError(t, env.orders.VerifyReplay(ctx, detail.Order.ID))

	// Every transition left a StatusChanged event behind.
	events, err := env.events.Load(ctx, detail.Order.ID)
	require.NoError(t, err)
	var changes int
	for _, e := range events {
		if e.Event.EventType() == domain.EventStatusChanged {
			changes++
		}
	}
	assert.Equal(t, 4, changes) // confirm + three fulfillment moves
}

func Test_Order_Transition_RejectsIllegalEdges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmedOrder(t, env)

	tests := []struct {
		name string
		to   domain.OrderStatus
	}{
		{"skip to shipped", domain.OrderShipped},
		{"back to pending", domain.OrderPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orders.Transition(ctx, detail.Order.ID, tt.to, "ops", "")
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		})
	}

	// Rejected transitions append nothing.
	events, err := env.events.Load(ctx, detail.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(events)), detail.Order.Version)
}

func Test_Order_Transition_DeliveredIsFinalForFulfillment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmedOrder(t, env)

	for _, to := range []domain.OrderStatus{
		domain.OrderProcessing, domain.OrderShipped, domain.OrderDelivered,
	} {
		var err error
		detail, err = env.orders.Transition(ctx, detail.Order.ID, to, "ops", "")
		require.NoError(t, err)
	}

	_, err := env.orders.Transition(ctx, detail.Order.ID, domain.OrderPending, "ops", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.orders.Transition(ctx, detail.Order.ID, domain.OrderCancelled, "ops", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func Test_Order_Transition_RefundedRequiresRefundFlow(t *testing.T) {
	env := newTestEnv(t)
	detail := confirmedOrder(t, env)

	_, err := env.orders.Transition(context.Background(), detail.Order.ID, domain.OrderRefunded, "ops", "")
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func Test_Order_Cancel_ReleasesStockAndVoidsIntent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmOrder(t, env, "key-1")
	productID := detail.Items[0].ProductID

	updated, err := env.orders.Transition(ctx, detail.Order.ID, domain.OrderCancelled, "customer", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, updated.Order.Status)
	assert.Equal(t, domain.PaymentStatusCancelled, updated.Payment.Status)

	snap, err := env.catalog.GetSnapshot(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int32(10), snap.Stock)

	assert.Contains(t, env.provider.CallLog, "CancelPaymentIntent("+detail.Payment.ExternalID+")")

	// The voided payment is in the log, so the fold matches the rows.
	events, err := env.events.Load(ctx, detail.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPaymentCancelled, events[len(events)-1].Event.EventType())

	require.NoError(t, env.orders.VerifyReplay(ctx, detail.Order.ID))
}

func Test_Order_List_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first := confirmOrder(t, env, "key-1")
	second := confirmOrder(t, env, "key-2")
	require.NoError(t, env.payments.ApplyProviderEvent(ctx, "stripe", successEvent(second)))

	pending := domain.OrderPending
	orders, err := env.orders.List(ctx, domain.OrderFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, first.Order.ID, orders[0].ID)

	all, err := env.orders.List(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bad := domain.OrderStatus("archived")
	_, err = env.orders.List(ctx, domain.OrderFilter{Status: &bad})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}
