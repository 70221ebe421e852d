package service_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/service"
)

func Test_Refund_Partial_ThenFull(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmedOrder(t, env) // $49.00 captured

	partial, err := env.refunds.CreateRefund(ctx, service.RefundRequest{
		PaymentID:   detail.Payment.ID,
		AmountCents: 1000,
		Reason:      "damaged item",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCompleted, partial.Status)
	assert.NotEmpty(t, partial.ExternalID)

	after, err := env.store.GetOrder(ctx, detail.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, after.Payment.Status)
	assert.Equal(t, domain.OrderConfirmed, after.Order.Status)

	full, err := env.refunds.CreateRefund(ctx, service.RefundRequest{
		PaymentID:   detail.Payment.ID,
		AmountCents: 3900,
		Reason:      "order cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCompleted, full.Status)

	after, err = env.store.GetOrder(ctx, detail.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, after.Payment.Status)
	assert.Equal(t, domain.OrderRefunded, after.Order.Status)
	assert.Equal(t, int64(4900), domain.CompletedRefundTotal(after.Refunds))

	require.NoError(t, env.orders.VerifyReplay(ctx, detail.Order.ID))
}

func Test_Refund_ExceedsRefundableBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmedOrder(t, env)

	_, err := env.refunds.CreateRefund(ctx, service.RefundRequest{
		PaymentID:   detail.Payment.ID,
		AmountCents: 1000,
		Reason:      "damaged item",
	})
	require.NoError(t, err)

	_, err = env.refunds.CreateRefund(ctx, service.RefundRequest{
		PaymentID:   detail.Payment.ID,
		AmountCents: 4000, // 1000 + 4000 > 4900 remaining is 3900
		Reason:      "too much",
	})
	assert.ErrorIs(t, err, domain.ErrRefundExceedsPayment)

	after, err := env.store.GetOrder(ctx, detail.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), domain.CompletedRefundTotal(after.Refunds))
}

func Test_Refund_ConcurrentRequest_RejectedWhileInFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmedOrder(t, env) // $49.00 captured

	entered := make(chan struct{})
	release := make(chan struct{})
	env.provider.RefundPaymentFunc = func(ctx context.Context, params billing.RefundParams) (*billing.Refund, error) {
		close(entered)
		<-release
		return &billing.Refund{ID: "re_1", AmountCents: params.AmountCents, Status: "succeeded"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.refunds.CreateRefund(ctx, service.RefundRequest{
			PaymentID:   detail.Payment.ID,
			AmountCents: 3000,
			Reason:      "first",
		})
		done <- err
	}()
	<-entered

	// The first request is still at the provider; its reserved amount
	// keeps the second from overdrawing the payment.
	_, err := env.refunds.CreateRefund(ctx, service.RefundRequest{
		PaymentID:   detail.Payment.ID,
		AmountCents: 3000,
		Reason:      "second",
	})
	assert.ErrorIs(t, err, domain.ErrRefundExceedsPayment)

	close(release)
	require.NoError(t, <-done)

	after, err := env.store.GetOrder(ctx, detail.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), domain.CompletedRefundTotal(after.Refunds))
}

func Test_Refund_SettleRechecksBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmedOrder(t, env) // $49.00 captured

	entered := make(chan struct{})
	release := make(chan struct{})
	env.provider.RefundPaymentFunc = func(ctx context.Context, params billing.RefundParams) (*billing.Refund, error) {
		close(entered)
		<-release
		return &billing.Refund{ID: "re_1", AmountCents: params.AmountCents, Status: "succeeded"}, nil
	}

	done := make(chan *domain.Refund, 1)
	errs := make(chan error, 1)
	go func() {
		refund, err := env.refunds.CreateRefund(ctx, service.RefundRequest{
			PaymentID:   detail.Payment.ID,
			AmountCents: 3000,
			Reason:      "first",
		})
		done <- refund
		errs <- err
	}()
	<-entered

	// Another refund settles while the first sits at the provider,
	// leaving less balance than the first request was guarded against.
	require.NoError(t, env.store.CreateRefund(ctx, &domain.Refund{
		ID:          uuid.New(),
		PaymentID:   detail.Payment.ID,
		AmountCents: 3000,
		Status:      domain.RefundStatusCompleted,
	}))
	close(release)

	refund := <-done
	err := <-errs
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
	require.NotNil(t, refund)
	assert.Equal(t, domain.RefundStatusFailed, refund.Status)
	assert.NotEmpty(t, refund.FailureNote)

	// Completed refunds never exceed the captured amount.
	after, err := env.store.GetOrder(ctx, detail.Order.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, domain.CompletedRefundTotal(after.Refunds), detail.Payment.AmountCents)
}

func Test_Refund_RequiresCapturedPayment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmOrder(t, env, "key-1") // still pending

	_, err := env.refunds.CreateRefund(ctx, service.RefundRequest{
		PaymentID:   detail.Payment.ID,
		AmountCents: 1000,
	})
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func Test_Refund_RejectsNonPositiveAmount(t *testing.T) {
	env := newTestEnv(t)
	detail := confirmedOrder(t, env)

	_, err := env.refunds.CreateRefund(context.Background(), service.RefundRequest{
		PaymentID:   detail.Payment.ID,
		AmountCents: 0,
	})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func Test_Refund_ProviderDecline_RecordsFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	detail := confirmedOrder(t, env)

	env.provider.RefundPaymentFunc = func(ctx context.Context, params billing.RefundParams) (*billing.Refund, error) {
		return nil, billing.ErrRefundNotAllowed
	}

	refund, err := env.refunds.CreateRefund(ctx, service.RefundRequest{
		PaymentID:   detail.Payment.ID,
		AmountCents: 1000,
		Reason:      "damaged item",
	})
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
	require.NotNil(t, refund)
	assert.Equal(t, domain.RefundStatusFailed, refund.Status)
	assert.NotEmpty(t, refund.FailureNote)

	// A failed refund counts for nothing against the balance.
	after, err := env.store.GetOrder(ctx, detail.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), domain.CompletedRefundTotal(after.Refunds))
	assert.Equal(t, domain.PaymentStatusCaptured, after.Payment.Status)
}

func Test_Refund_UnknownPayment(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.refunds.CreateRefund(context.Background(), service.RefundRequest{
		PaymentID:   uuid.New(),
		AmountCents: 100,
	})
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}
