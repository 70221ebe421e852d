package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/catalog"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/eventstore"
	"github.com/mkarlsen/skadi/internal/telemetry"
)

// transitionRetries bounds optimistic-concurrency retries before giving
// up with ErrStateConflict.
const transitionRetries = 3

// OrderService drives the order state machine.
type OrderService struct {
	store   domain.OrderStore
	events  eventstore.Store
	catalog catalog.Catalog
	billing billing.Provider
	metrics *telemetry.BusinessMetrics
	logger  *slog.Logger
}

// NewOrderService creates an order service.
func NewOrderService(
	store domain.OrderStore,
	events eventstore.Store,
	cat catalog.Catalog,
	provider billing.Provider,
	metrics *telemetry.BusinessMetrics,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		store:   store,
		events:  events,
		catalog: cat,
		billing: provider,
		metrics: metrics,
		logger:  logger,
	}
}

// Get loads an order with its items, payment, and refunds.
func (s *OrderService) Get(ctx context.Context, id uuid.UUID) (*domain.OrderDetail, error) {
	return s.store.GetOrder(ctx, id)
}

// List returns orders newest first, optionally filtered by status.
func (s *OrderService) List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	if f.Status != nil && !domain.ValidStatus(*f.Status) {
		return nil, domain.Invalid("order.list", "unknown order status")
	}
	return s.store.ListOrders(ctx, f)
}

// Transition moves an order along the transition table, appending the
// StatusChanged event atomically with the row update. Concurrent
// transitions are resolved by optimistic retries; a rejected edge
// appends nothing. Moves to REFUNDED belong to the refund processor and
// are rejected here.
func (s *OrderService) Transition(ctx context.Context, orderID uuid.UUID, to domain.OrderStatus, actor, reason string) (*domain.OrderDetail, error) {
	if !domain.ValidStatus(to) {
		return nil, domain.Invalid("order.transition", "unknown order status")
	}
	if to == domain.OrderRefunded {
		return nil, domain.Invalid("order.transition", "orders are refunded through the refund endpoint")
	}

	for attempt := 0; attempt < transitionRetries; attempt++ {
		detail, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}

		from := detail.Order.Status
		if !domain.CanTransition(from, to) {
			return nil, domain.ErrInvalidTransition
		}

		p := domain.TransitionParams{
			OrderID:         orderID,
			ExpectedVersion: detail.Order.Version,
			NewStatus:       to,
			Events: []domain.Envelope{
				domain.NewEnvelope(orderID, domain.StatusChanged{
					From:   from,
					To:     to,
					Actor:  actor,
					Reason: reason,
				}),
			},
		}
		if to == domain.OrderCancelled && detail.Payment.Status == domain.PaymentStatusPending {
			cancelled := domain.PaymentStatusCancelled
			p.PaymentStatus = &cancelled
			p.Events = append(p.Events, domain.NewEnvelope(orderID, domain.PaymentCancelled{
				PaymentID: detail.Payment.ID,
				Reason:    "order cancelled",
			}))
		}

		updated, err := s.store.Transition(ctx, p)
		if err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		s.logger.Info("order transitioned",
			"order_id", orderID,
			"from", from,
			"to", to,
			"actor", actor,
		)
		if s.metrics != nil {
			s.metrics.RecordOrderTransition(string(from), string(to))
		}

		if to == domain.OrderCancelled {
			s.compensateCancellation(ctx, detail)
		}
		return updated, nil
	}
	return nil, domain.ErrStateConflict
}

// compensateCancellation returns reserved stock and voids the provider
// intent for a just-cancelled order. Both are best effort; the order is
// already cancelled either way.
func (s *OrderService) compensateCancellation(ctx context.Context, detail *domain.OrderDetail) {
	for _, item := range detail.Items {
		if err := s.catalog.ReleaseStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("failed to release stock for cancelled order",
				"order_id", detail.Order.ID,
				"product_id", item.ProductID,
				"error", err,
			)
		}
	}

	if detail.Payment.Status == domain.PaymentStatusPending && detail.Payment.ExternalID != "" {
		if err := s.billing.CancelPaymentIntent(ctx, detail.Payment.ExternalID); err != nil {
			s.logger.Warn("failed to cancel provider payment intent",
				"order_id", detail.Order.ID,
				"provider_ref", detail.Payment.ExternalID,
				"error", err,
			)
		}
	}
}

// VerifyReplay folds the order's event stream and checks the derived
// state against the materialized rows. A mismatch means a mutation
// bypassed the event log.
func (s *OrderService) VerifyReplay(ctx context.Context, orderID uuid.UUID) error {
	op := "order.verify_replay"

	detail, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	events, err := s.events.Load(ctx, orderID)
	if err != nil {
		return err
	}

	folded, err := domain.Fold(events)
	if err != nil {
		return domain.Internal(err, op, "event stream does not fold")
	}

	switch {
	case folded.Order.Status != detail.Order.Status:
		return domain.Errorf(domain.EINTERNAL, op,
			"replayed status %s does not match row %s", folded.Order.Status, detail.Order.Status)
	case folded.Order.Version != detail.Order.Version:
		return domain.Errorf(domain.EINTERNAL, op,
			"replayed version %d does not match row %d", folded.Order.Version, detail.Order.Version)
	case folded.Order.TotalCents != detail.Order.TotalCents:
		return domain.Errorf(domain.EINTERNAL, op,
			"replayed total %d does not match row %d", folded.Order.TotalCents, detail.Order.TotalCents)
	case folded.Payment.Status != detail.Payment.Status:
		return domain.Errorf(domain.EINTERNAL, op,
			"replayed payment status %s does not match row %s", folded.Payment.Status, detail.Payment.Status)
	case folded.Payment.ExternalID != detail.Payment.ExternalID:
		return domain.Errorf(domain.EINTERNAL, op,
			"replayed provider ref %q does not match row %q", folded.Payment.ExternalID, detail.Payment.ExternalID)
	case len(folded.Items) != len(detail.Items):
		return domain.Errorf(domain.EINTERNAL, op,
			"replayed %d items, row has %d", len(folded.Items), len(detail.Items))
	}
	return nil
}
