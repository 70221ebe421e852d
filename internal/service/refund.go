package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/telemetry"
)

// RefundProcessor issues partial and full refunds against captured
// payments. Completed refund totals can never exceed the captured
// amount, and a full refund moves the order to REFUNDED in the same
// atomic step as the RefundCompleted event.
type RefundProcessor struct {
	store   domain.OrderStore
	billing billing.Provider
	metrics *telemetry.BusinessMetrics
	logger  *slog.Logger
}

// NewRefundProcessor creates a refund processor.
func NewRefundProcessor(
	store domain.OrderStore,
	provider billing.Provider,
	metrics *telemetry.BusinessMetrics,
	logger *slog.Logger,
) *RefundProcessor {
	return &RefundProcessor{
		store:   store,
		billing: provider,
		metrics: metrics,
		logger:  logger,
	}
}

// RefundRequest describes one refund to issue.
type RefundRequest struct {
	PaymentID   uuid.UUID
	AmountCents int64
	Reason      string
}

// CreateRefund validates the request, issues the refund with the
// provider, and records the outcome. The guard and the mutation are
// separated by the provider call, so the final transition re-checks the
// refundable balance under the aggregate version.
func (s *RefundProcessor) CreateRefund(ctx context.Context, req RefundRequest) (*domain.Refund, error) {
	op := "refund.create"

	if req.AmountCents <= 0 {
		return nil, domain.Invalid(op, "refund amount must be greater than 0")
	}

	payment, err := s.store.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusCaptured &&
		payment.Status != domain.PaymentStatusPartiallyRefunded {
		return nil, domain.Errorf(domain.EINVALID, op,
			"payment is %s, only captured payments can be refunded", payment.Status)
	}

	existing, err := s.store.ListRefundsByPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	// In-flight refunds count against the balance too, so a concurrent
	// request cannot pass the guard while another is at the provider.
	if domain.ReservedRefundTotal(existing)+req.AmountCents > payment.AmountCents {
		return nil, domain.ErrRefundExceedsPayment
	}

	now := time.Now().UTC()
	refund := &domain.Refund{
		ID:          uuid.New(),
		PaymentID:   payment.ID,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		Status:      domain.RefundStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		return nil, err
	}

	refund.Status = domain.RefundStatusProcessing
	if err := s.store.UpdateRefund(ctx, refund); err != nil {
		return nil, err
	}

	providerRefund, err := s.billing.RefundPayment(ctx, billing.RefundParams{
		PaymentRef:     payment.ExternalID,
		AmountCents:    req.AmountCents,
		Reason:         req.Reason,
		IdempotencyKey: refund.ID.String(),
	})
	if err != nil {
		refund.Status = domain.RefundStatusFailed
		refund.FailureNote = err.Error()
		if updateErr := s.store.UpdateRefund(ctx, refund); updateErr != nil {
			s.logger.Error("failed to record refund failure",
				"op", op, "refund_id", refund.ID, "error", updateErr)
		}
		s.logger.Warn("provider refund failed",
			"op", op, "refund_id", refund.ID, "payment_id", payment.ID, "error", err)
		return refund, domain.Errorf(domain.EPAYMENT, op, "refund was declined by the payment provider")
	}

	refund.ExternalID = providerRefund.ID
	if err := s.completeRefund(ctx, refund, payment); err != nil {
		return refund, err
	}

	s.logger.Info("refund completed",
		"op", op,
		"refund_id", refund.ID,
		"payment_id", payment.ID,
		"amount_cents", refund.AmountCents,
	)
	if s.metrics != nil {
		s.metrics.RecordRefundCompleted(payment.Currency, refund.AmountCents)
	}
	return refund, nil
}

// Get loads one refund.
func (s *RefundProcessor) Get(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	return s.store.GetRefund(ctx, id)
}

// completeRefund records the settled refund: the RefundCompleted event,
// the refund row, the derived payment status, and the order transition
// when the payment is now fully refunded.
func (s *RefundProcessor) completeRefund(ctx context.Context, refund *domain.Refund, payment *domain.Payment) error {
	op := "refund.complete"

	for attempt := 0; attempt < transitionRetries; attempt++ {
		detail, err := s.store.GetOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		completed := domain.CompletedRefundTotal(detail.Refunds)
		if completed+refund.AmountCents > payment.AmountCents {
			// Another refund settled between the guard and this point.
			// Record the failure; the provider side needs an operator.
			refund.Status = domain.RefundStatusFailed
			refund.FailureNote = "settled with the provider but exceeds the refundable balance"
			if updateErr := s.store.UpdateRefund(ctx, refund); updateErr != nil {
				s.logger.Error("failed to record over-refund",
					"op", op, "refund_id", refund.ID, "error", updateErr)
			}
			return domain.Errorf(domain.EINTERNAL, op,
				"refund %s settled with the provider but exceeds the refundable balance", refund.ID)
		}
		full := completed+refund.AmountCents >= payment.AmountCents

		refund.Status = domain.RefundStatusCompleted

		events := []domain.Envelope{
			domain.NewEnvelope(payment.OrderID, domain.RefundCompleted{
				RefundID:    refund.ID,
				PaymentID:   payment.ID,
				AmountCents: refund.AmountCents,
				Full:        full,
			}).WithDedupeKey(DedupeKey("refund", refund.ID.String())),
		}

		p := domain.TransitionParams{
			OrderID:         payment.OrderID,
			ExpectedVersion: detail.Order.Version,
			Refund:          refund,
			Events:          events,
		}

		paymentStatus := domain.PaymentStatusPartiallyRefunded
		if full {
			paymentStatus = domain.PaymentStatusRefunded
			if domain.CanTransition(detail.Order.Status, domain.OrderRefunded) {
				p.NewStatus = domain.OrderRefunded
				p.Events = append(p.Events, domain.NewEnvelope(payment.OrderID, domain.StatusChanged{
					From:   detail.Order.Status,
					To:     domain.OrderRefunded,
					Actor:  "refund-processor",
					Reason: "payment fully refunded",
				}))
			}
		}
		p.PaymentStatus = &paymentStatus

		// The money has already moved at the provider, so transient store
		// failures are retried with backoff rather than surfaced. Version
		// conflicts restart the outer loop with a fresh aggregate read.
		err = backoff.Retry(func() error {
			if _, err := s.store.Transition(ctx, p); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrDuplicateEvent) {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transitionRetries), ctx))
		if err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, domain.ErrDuplicateEvent) {
				return nil
			}
			return err
		}
		return nil
	}
	return domain.Errorf(domain.EINTERNAL, op,
		"refund %s settled with the provider but could not be recorded", refund.ID)
}
