package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/catalog"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/eventstore"
	"github.com/mkarlsen/skadi/internal/telemetry"
)

// PaymentService applies provider-side payment outcomes to orders. Both
// the webhook handler and the reconciliation worker feed through
// ApplyProviderEvent, so deduplication and state transitions live in one
// place regardless of how the outcome arrived.
type PaymentService struct {
	store   domain.OrderStore
	events  eventstore.Store
	catalog catalog.Catalog
	metrics *telemetry.BusinessMetrics
	logger  *slog.Logger
}

// NewPaymentService creates a payment service.
func NewPaymentService(
	store domain.OrderStore,
	events eventstore.Store,
	cat catalog.Catalog,
	metrics *telemetry.BusinessMetrics,
	logger *slog.Logger,
) *PaymentService {
	return &PaymentService{
		store:   store,
		events:  events,
		catalog: cat,
		metrics: metrics,
		logger:  logger,
	}
}

// DedupeKey builds the event-log dedupe key for a provider event id.
func DedupeKey(source, externalEventID string) string {
	return fmt.Sprintf("%s:%s", source, externalEventID)
}

// ApplyProviderEvent applies one normalized provider event. Duplicate
// deliveries are detected by the event id's dedupe key and acknowledged
// as no-ops. Unknown payment references are an error so the caller can
// dead-letter the delivery.
func (s *PaymentService) ApplyProviderEvent(ctx context.Context, source string, ev *billing.Event) error {
	op := "payment.apply_provider_event"
	dedupeKey := DedupeKey(source, ev.ID)

	seen, err := s.events.HasDedupeKey(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if seen {
		s.logger.Debug("duplicate provider event ignored", "op", op, "event_id", ev.ID)
		if s.metrics != nil {
			s.metrics.WebhookDuplicates.WithLabelValues(source).Inc()
		}
		return nil
	}

	switch ev.Kind {
	case billing.EventPaymentSucceeded:
		return s.applyCapture(ctx, dedupeKey, ev)
	case billing.EventPaymentFailed:
		return s.applyFailure(ctx, dedupeKey, ev)
	case billing.EventPaymentCanceled:
		return s.applyCancellation(ctx, dedupeKey, ev)
	case billing.EventRefundSucceeded:
		return s.applyProviderRefund(ctx, dedupeKey, ev)
	default:
		s.logger.Debug("unhandled provider event kind", "op", op, "kind", ev.Kind, "event_id", ev.ID)
		return nil
	}
}

func (s *PaymentService) applyCapture(ctx context.Context, dedupeKey string, ev *billing.Event) error {
	op := "payment.apply_capture"

	for attempt := 0; attempt < transitionRetries; attempt++ {
		payment, err := s.store.GetPaymentByExternalID(ctx, ev.ProviderRef)
		if err != nil {
			return err
		}
		if payment.Status == domain.PaymentStatusCaptured {
			return nil
		}
		if ev.AmountCents != 0 && ev.AmountCents != payment.AmountCents {
			return domain.Errorf(domain.EINTERNAL, op,
				"captured amount %d does not match payment amount %d", ev.AmountCents, payment.AmountCents)
		}

		detail, err := s.store.GetOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		events := []domain.Envelope{
			domain.NewEnvelope(payment.OrderID, domain.PaymentCaptured{
				PaymentID:   payment.ID,
				AmountCents: payment.AmountCents,
				ProviderRef: ev.ProviderRef,
			}).WithDedupeKey(dedupeKey),
		}
		p := domain.TransitionParams{
			OrderID:         payment.OrderID,
			ExpectedVersion: detail.Order.Version,
			Events:          events,
		}
		captured := domain.PaymentStatusCaptured
		p.PaymentStatus = &captured

		// Capture confirms a pending order in the same atomic step. If
		// the order already moved on, only the payment state changes.
		if detail.Order.Status == domain.OrderPending {
			p.NewStatus = domain.OrderConfirmed
			p.Events = append(p.Events, domain.NewEnvelope(payment.OrderID, domain.StatusChanged{
				From:  domain.OrderPending,
				To:    domain.OrderConfirmed,
				Actor: "payment-provider",
			}))
		}

		if _, err := s.store.Transition(ctx, p); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, domain.ErrDuplicateEvent) {
				return nil
			}
			return err
		}

		s.logger.Info("payment captured",
			"op", op,
			"order_id", payment.OrderID,
			"payment_id", payment.ID,
			"amount_cents", payment.AmountCents,
		)
		if s.metrics != nil {
			s.metrics.RecordPaymentCaptured(payment.Currency, payment.AmountCents)
		}
		return nil
	}
	return domain.ErrStateConflict
}

func (s *PaymentService) applyFailure(ctx context.Context, dedupeKey string, ev *billing.Event) error {
	op := "payment.apply_failure"

	for attempt := 0; attempt < transitionRetries; attempt++ {
		payment, err := s.store.GetPaymentByExternalID(ctx, ev.ProviderRef)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending {
			return nil
		}

		detail, err := s.store.GetOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		failed := domain.PaymentStatusFailed
		p := domain.TransitionParams{
			OrderID:         payment.OrderID,
			ExpectedVersion: detail.Order.Version,
			PaymentStatus:   &failed,
			Events: []domain.Envelope{
				domain.NewEnvelope(payment.OrderID, domain.PaymentFailed{
					PaymentID: payment.ID,
					Code:      ev.FailureCode,
					Message:   ev.FailureMessage,
				}).WithDedupeKey(dedupeKey),
			},
		}

		// A declined payment cancels the order and returns its reserved
		// stock; a fresh checkout creates a fresh order.
		if detail.Order.Status == domain.OrderPending {
			p.NewStatus = domain.OrderCancelled
			p.Events = append(p.Events, domain.NewEnvelope(payment.OrderID, domain.StatusChanged{
				From:   domain.OrderPending,
				To:     domain.OrderCancelled,
				Actor:  "payment-provider",
				Reason: "payment failed",
			}))
		}

		if _, err := s.store.Transition(ctx, p); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, domain.ErrDuplicateEvent) {
				return nil
			}
			return err
		}

		if p.NewStatus == domain.OrderCancelled {
			s.releaseStock(ctx, payment.OrderID, detail.Items)
		}

		s.logger.Warn("payment failed",
			"op", op,
			"order_id", payment.OrderID,
			"payment_id", payment.ID,
			"code", ev.FailureCode,
		)
		if s.metrics != nil {
			s.metrics.RecordPaymentFailed(ev.FailureCode)
		}
		return nil
	}
	return domain.ErrStateConflict
}

func (s *PaymentService) applyCancellation(ctx context.Context, dedupeKey string, ev *billing.Event) error {
	for attempt := 0; attempt < transitionRetries; attempt++ {
		payment, err := s.store.GetPaymentByExternalID(ctx, ev.ProviderRef)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending {
			return nil
		}

		detail, err := s.store.GetOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		if detail.Order.Status != domain.OrderPending {
			return nil
		}

		cancelled := domain.PaymentStatusCancelled
		_, err = s.store.Transition(ctx, domain.TransitionParams{
			OrderID:         payment.OrderID,
			ExpectedVersion: detail.Order.Version,
			NewStatus:       domain.OrderCancelled,
			PaymentStatus:   &cancelled,
			Events: []domain.Envelope{
				domain.NewEnvelope(payment.OrderID, domain.PaymentCancelled{
					PaymentID: payment.ID,
					Reason:    "payment intent canceled",
				}).WithDedupeKey(dedupeKey),
				domain.NewEnvelope(payment.OrderID, domain.StatusChanged{
					From:   domain.OrderPending,
					To:     domain.OrderCancelled,
					Actor:  "payment-provider",
					Reason: "payment intent canceled",
				}),
			},
		})
		if err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, domain.ErrDuplicateEvent) {
				return nil
			}
			return err
		}

		s.releaseStock(ctx, payment.OrderID, detail.Items)
		return nil
	}
	return domain.ErrStateConflict
}

// applyProviderRefund records a refund issued provider-side, for example
// from the provider dashboard. The event carries the charge's cumulative
// refunded amount, so only the delta against recorded refunds settles
// here; the echo of a refund issued through the refund endpoint arrives
// with no delta and is acknowledged as a no-op.
func (s *PaymentService) applyProviderRefund(ctx context.Context, dedupeKey string, ev *billing.Event) error {
	op := "payment.apply_provider_refund"

	for attempt := 0; attempt < transitionRetries; attempt++ {
		payment, err := s.store.GetPaymentByExternalID(ctx, ev.ProviderRef)
		if err != nil {
			return err
		}
		if payment.Status == domain.PaymentStatusRefunded {
			return nil
		}
		if payment.Status != domain.PaymentStatusCaptured &&
			payment.Status != domain.PaymentStatusPartiallyRefunded {
			return domain.Errorf(domain.EINTERNAL, op,
				"provider refund against %s payment %s", payment.Status, payment.ID)
		}

		detail, err := s.store.GetOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		completed := domain.CompletedRefundTotal(detail.Refunds)
		delta := ev.AmountCents - completed
		if delta <= 0 {
			return nil
		}
		if completed+delta > payment.AmountCents {
			return domain.Errorf(domain.EINTERNAL, op,
				"provider refunded %d exceeds payment amount %d", ev.AmountCents, payment.AmountCents)
		}
		full := completed+delta >= payment.AmountCents

		now := time.Now().UTC()
		refund := &domain.Refund{
			ID:          uuid.New(),
			PaymentID:   payment.ID,
			AmountCents: delta,
			Reason:      "refunded at the provider",
			Status:      domain.RefundStatusCompleted,
			ExternalID:  ev.RefundRef,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		p := domain.TransitionParams{
			OrderID:         payment.OrderID,
			ExpectedVersion: detail.Order.Version,
			Refund:          refund,
			Events: []domain.Envelope{
				domain.NewEnvelope(payment.OrderID, domain.RefundCompleted{
					RefundID:    refund.ID,
					PaymentID:   payment.ID,
					AmountCents: delta,
					Full:        full,
				}).WithDedupeKey(dedupeKey),
			},
		}
		paymentStatus := domain.PaymentStatusPartiallyRefunded
		if full {
			paymentStatus = domain.PaymentStatusRefunded
			if domain.CanTransition(detail.Order.Status, domain.OrderRefunded) {
				p.NewStatus = domain.OrderRefunded
				p.Events = append(p.Events, domain.NewEnvelope(payment.OrderID, domain.StatusChanged{
					From:   detail.Order.Status,
					To:     domain.OrderRefunded,
					Actor:  "payment-provider",
					Reason: "refunded at the provider",
				}))
			}
		}
		p.PaymentStatus = &paymentStatus

		if _, err := s.store.Transition(ctx, p); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, domain.ErrDuplicateEvent) {
				return nil
			}
			return err
		}

		s.logger.Info("provider refund recorded",
			"op", op,
			"order_id", payment.OrderID,
			"payment_id", payment.ID,
			"amount_cents", delta,
		)
		if s.metrics != nil {
			s.metrics.RecordRefundCompleted(payment.Currency, delta)
		}
		return nil
	}
	return domain.ErrStateConflict
}

func (s *PaymentService) releaseStock(ctx context.Context, orderID uuid.UUID, items []domain.OrderItem) {
	for _, item := range items {
		if err := s.catalog.ReleaseStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("failed to release stock for cancelled order",
				"order_id", orderID,
				"product_id", item.ProductID,
				"error", err,
			)
		}
	}
}
