// Package memstore provides in-memory storage implementations used by
// tests and local development. The Postgres implementations in
// internal/postgres are the production counterparts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/eventstore"
)

// Orders is an in-memory domain.OrderStore. Every mutation runs under
// the store's mutex with the event append inside the critical section,
// so the fold-equals-rows identity holds under concurrency exactly as
// the Postgres transaction guarantees it.
type Orders struct {
	mu sync.Mutex

	events *eventstore.Memory

	orders         map[uuid.UUID]*domain.Order
	items          map[uuid.UUID][]domain.OrderItem
	payments       map[uuid.UUID]*domain.Payment
	paymentByOrder map[uuid.UUID]uuid.UUID
	refunds        map[uuid.UUID]*domain.Refund
	byIdemKey      map[string]uuid.UUID
	byExternalID   map[string]uuid.UUID
}

var _ domain.OrderStore = (*Orders)(nil)

// NewOrders creates an order store over the given memory event store.
func NewOrders(events *eventstore.Memory) *Orders {
	return &Orders{
		events:         events,
		orders:         make(map[uuid.UUID]*domain.Order),
		items:          make(map[uuid.UUID][]domain.OrderItem),
		payments:       make(map[uuid.UUID]*domain.Payment),
		paymentByOrder: make(map[uuid.UUID]uuid.UUID),
		refunds:        make(map[uuid.UUID]*domain.Refund),
		byIdemKey:      make(map[string]uuid.UUID),
		byExternalID:   make(map[string]uuid.UUID),
	}
}

// Events exposes the backing event store for replay checks and the
// outbox relay.
func (s *Orders) Events() *eventstore.Memory { return s.events }

func (s *Orders) CreateOrder(ctx context.Context, detail *domain.OrderDetail, created domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key := detail.Order.IdempotencyKey; key != "" {
		if _, exists := s.byIdemKey[key]; exists {
			return domain.ErrDuplicateEvent
		}
	}

	appended, err := s.events.AppendBatch(ctx, []domain.Envelope{created}, 0)
	if err != nil {
		return err
	}

	order := detail.Order
	order.Version = appended[0].Version
	payment := detail.Payment

	s.orders[order.ID] = &order
	s.items[order.ID] = append([]domain.OrderItem(nil), detail.Items...)
	s.payments[payment.ID] = &payment
	s.paymentByOrder[order.ID] = payment.ID
	if order.IdempotencyKey != "" {
		s.byIdemKey[order.IdempotencyKey] = order.ID
	}
	if payment.ExternalID != "" {
		s.byExternalID[payment.ExternalID] = payment.ID
	}
	return nil
}

func (s *Orders) Transition(ctx context.Context, p domain.TransitionParams) (*domain.OrderDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[p.OrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if order.Version != p.ExpectedVersion {
		return nil, domain.ErrVersionConflict
	}

	appended, err := s.events.AppendBatch(ctx, p.Events, p.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if p.NewStatus != "" {
		order.Status = p.NewStatus
	}
	if len(appended) > 0 {
		order.Version = appended[len(appended)-1].Version
	}
	order.UpdatedAt = now

	paymentID := s.paymentByOrder[p.OrderID]
	if payment, ok := s.payments[paymentID]; ok {
		if p.PaymentStatus != nil {
			payment.Status = *p.PaymentStatus
			payment.UpdatedAt = now
		}
		if p.PaymentExternalID != "" {
			payment.ExternalID = p.PaymentExternalID
			s.byExternalID[p.PaymentExternalID] = payment.ID
			payment.UpdatedAt = now
		}
	}

	if p.Refund != nil {
		r := *p.Refund
		r.UpdatedAt = now
		s.refunds[r.ID] = &r
	}

	return s.detailLocked(p.OrderID)
}

func (s *Orders) GetOrder(ctx context.Context, id uuid.UUID) (*domain.OrderDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailLocked(id)
}

func (s *Orders) GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.OrderDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byIdemKey[key]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return s.detailLocked(id)
}

func (s *Orders) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	out := *p
	return &out, nil
}

func (s *Orders) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternalID[externalID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	out := *s.payments[id]
	return &out, nil
}

func (s *Orders) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, o := range s.orders {
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if int(f.Offset) >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && int32(len(out)) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Orders) ListStalePendingPayments(ctx context.Context, cutoff time.Time) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Payment
	for _, p := range s.payments {
		if p.Status == domain.PaymentStatusPending && p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Orders) CreateRefund(ctx context.Context, r *domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.refunds[cp.ID] = &cp
	return nil
}

func (s *Orders) UpdateRefund(ctx context.Context, r *domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refunds[r.ID]; !ok {
		return domain.ErrRefundNotFound
	}
	cp := *r
	cp.UpdatedAt = time.Now().UTC()
	s.refunds[cp.ID] = &cp
	return nil
}

func (s *Orders) GetRefund(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[id]
	if !ok {
		return nil, domain.ErrRefundNotFound
	}
	out := *r
	return &out, nil
}

func (s *Orders) ListRefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refundsByPaymentLocked(paymentID), nil
}

func (s *Orders) refundsByPaymentLocked(paymentID uuid.UUID) []domain.Refund {
	var out []domain.Refund
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Orders) detailLocked(id uuid.UUID) (*domain.OrderDetail, error) {
	order, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}

	detail := &domain.OrderDetail{
		Order: *order,
		Items: append([]domain.OrderItem(nil), s.items[id]...),
	}
	if paymentID, ok := s.paymentByOrder[id]; ok {
		detail.Payment = *s.payments[paymentID]
		detail.Refunds = s.refundsByPaymentLocked(paymentID)
	}
	return detail, nil
}
