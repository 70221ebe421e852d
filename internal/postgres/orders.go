package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/skadi/internal/domain"
)

// Orders implements domain.OrderStore. Every mutation runs in one
// transaction covering the materialized rows and the event log.
type Orders struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*Orders)(nil)

// NewOrders creates an order store backed by the given pool.
func NewOrders(pool *pgxpool.Pool) *Orders {
	return &Orders{pool: pool}
}

func (s *Orders) CreateOrder(ctx context.Context, detail *domain.OrderDetail, created domain.Envelope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Internal(err, "orders.create", "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	shippingAddr, err := json.Marshal(detail.Order.ShippingAddress)
	if err != nil {
		return domain.Internal(err, "orders.create", "failed to encode shipping address")
	}
	billingAddr, err := json.Marshal(detail.Order.BillingAddress)
	if err != nil {
		return domain.Internal(err, "orders.create", "failed to encode billing address")
	}

	const insertOrder = `
		INSERT INTO orders
			(id, order_number, customer_id, status, subtotal_cents, tax_cents,
			 shipping_cents, total_cents, currency, shipping_address, billing_address,
			 idempotency_key, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), 1, $13, $13)`

	o := detail.Order
	_, err = tx.Exec(ctx, insertOrder,
		o.ID, o.OrderNumber, o.CustomerID, string(o.Status),
		o.SubtotalCents, o.TaxCents, o.ShippingCents, o.TotalCents, o.Currency,
		shippingAddr, billingAddr, o.IdempotencyKey, o.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err) == constraintIdemKey {
			return domain.ErrDuplicateEvent
		}
		return domain.Internal(err, "orders.create", "failed to insert order")
	}

	const insertItem = `
		INSERT INTO order_items
			(id, order_id, product_id, product_name, sku, unit_price_cents, quantity, line_total_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, it := range detail.Items {
		if _, err := tx.Exec(ctx, insertItem,
			it.ID, it.OrderID, it.ProductID, it.ProductName, it.SKU,
			it.UnitPriceCents, it.Quantity, it.LineTotalCents,
		); err != nil {
			return domain.Internal(err, "orders.create", "failed to insert order item")
		}
	}

	metadata, err := json.Marshal(detail.Payment.Metadata)
	if err != nil {
		return domain.Internal(err, "orders.create", "failed to encode payment metadata")
	}

	const insertPayment = `
		INSERT INTO payments
			(id, order_id, method, amount_cents, currency, status, external_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $9)`
	p := detail.Payment
	if _, err := tx.Exec(ctx, insertPayment,
		p.ID, p.OrderID, p.Method, p.AmountCents, p.Currency,
		string(p.Status), p.ExternalID, metadata, p.CreatedAt,
	); err != nil {
		return domain.Internal(err, "orders.create", "failed to insert payment")
	}

	if _, err := insertEventTx(ctx, tx, created, 1); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Internal(err, "orders.create", "failed to commit")
	}
	return nil
}

func (s *Orders) Transition(ctx context.Context, p domain.TransitionParams) (*domain.OrderDetail, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Internal(err, "orders.transition", "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	newVersion := p.ExpectedVersion + int64(len(p.Events))

	// The version guard on the UPDATE is the optimistic concurrency
	// check; the event version index backstops it.
	const updateOrder = `
		UPDATE orders
		SET status = COALESCE(NULLIF($3, ''), status), version = $4, updated_at = now()
		WHERE id = $1 AND version = $2`

	tag, err := tx.Exec(ctx, updateOrder, p.OrderID, p.ExpectedVersion, string(p.NewStatus), newVersion)
	if err != nil {
		return nil, domain.Internal(err, "orders.transition", "failed to update order")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, p.OrderID,
		).Scan(&exists); err != nil {
			return nil, domain.Internal(err, "orders.transition", "failed to check order")
		}
		if !exists {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.ErrVersionConflict
	}

	version := p.ExpectedVersion
	for _, env := range p.Events {
		version++
		if _, err := insertEventTx(ctx, tx, env, version); err != nil {
			return nil, err
		}
	}

	if p.PaymentStatus != nil || p.PaymentExternalID != "" {
		const updatePayment = `
			UPDATE payments
			SET status = COALESCE(NULLIF($2, ''), status),
			    external_id = COALESCE(NULLIF($3, ''), external_id),
			    updated_at = now()
			WHERE order_id = $1`
		var status string
		if p.PaymentStatus != nil {
			status = string(*p.PaymentStatus)
		}
		if _, err := tx.Exec(ctx, updatePayment, p.OrderID, status, p.PaymentExternalID); err != nil {
			return nil, domain.Internal(err, "orders.transition", "failed to update payment")
		}
	}

	if p.Refund != nil {
		if err := upsertRefundTx(ctx, tx, p.Refund); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.Internal(err, "orders.transition", "failed to commit")
	}
	return s.GetOrder(ctx, p.OrderID)
}

func upsertRefundTx(ctx context.Context, tx pgx.Tx, r *domain.Refund) error {
	const q = `
		INSERT INTO refunds
			(id, payment_id, amount_cents, reason, status, external_id, failure_note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    external_id = EXCLUDED.external_id,
		    failure_note = EXCLUDED.failure_note,
		    updated_at = now()`

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, q,
		r.ID, r.PaymentID, r.AmountCents, r.Reason, string(r.Status),
		r.ExternalID, r.FailureNote, createdAt,
	)
	if err != nil {
		return domain.Internal(err, "orders.upsert_refund", "failed to upsert refund")
	}
	return nil
}

const selectOrder = `
	SELECT id, order_number, customer_id, status, subtotal_cents, tax_cents,
	       shipping_cents, total_cents, currency, shipping_address, billing_address,
	       COALESCE(idempotency_key, ''), version, created_at, updated_at
	FROM orders`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o            domain.Order
		status       string
		shippingAddr []byte
		billingAddr  []byte
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.CustomerID, &status,
		&o.SubtotalCents, &o.TaxCents, &o.ShippingCents, &o.TotalCents, &o.Currency,
		&shippingAddr, &billingAddr, &o.IdempotencyKey, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.Internal(err, "orders.scan", "failed to scan order")
	}
	o.Status = domain.OrderStatus(status)
	if err := json.Unmarshal(shippingAddr, &o.ShippingAddress); err != nil {
		return nil, domain.Internal(err, "orders.scan", "failed to decode shipping address")
	}
	if err := json.Unmarshal(billingAddr, &o.BillingAddress); err != nil {
		return nil, domain.Internal(err, "orders.scan", "failed to decode billing address")
	}
	return &o, nil
}

func (s *Orders) GetOrder(ctx context.Context, id uuid.UUID) (*domain.OrderDetail, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return s.assembleDetail(ctx, order)
}

func (s *Orders) GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.OrderDetail, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, selectOrder+` WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, err
	}
	return s.assembleDetail(ctx, order)
}

func (s *Orders) assembleDetail(ctx context.Context, order *domain.Order) (*domain.OrderDetail, error) {
	detail := &domain.OrderDetail{Order: *order}

	const itemsQ = `
		SELECT id, order_id, product_id, product_name, sku, unit_price_cents, quantity, line_total_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_name`
	rows, err := s.pool.Query(ctx, itemsQ, order.ID)
	if err != nil {
		return nil, domain.Internal(err, "orders.get", "failed to load order items")
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName,
			&it.SKU, &it.UnitPriceCents, &it.Quantity, &it.LineTotalCents); err != nil {
			return nil, domain.Internal(err, "orders.get", "failed to scan order item")
		}
		detail.Items = append(detail.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "orders.get", "failed to read order items")
	}

	payment, err := s.paymentByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	detail.Payment = *payment

	refunds, err := s.ListRefundsByPayment(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	detail.Refunds = refunds
	return detail, nil
}

const selectPayment = `
	SELECT id, order_id, method, amount_cents, currency, status,
	       COALESCE(external_id, ''), metadata, created_at, updated_at
	FROM payments`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p        domain.Payment
		status   string
		metadata []byte
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.Method, &p.AmountCents, &p.Currency,
		&status, &p.ExternalID, &metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, domain.Internal(err, "payments.scan", "failed to scan payment")
	}
	p.Status = domain.PaymentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, domain.Internal(err, "payments.scan", "failed to decode metadata")
		}
	}
	return &p, nil
}

func (s *Orders) paymentByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx, selectPayment+` WHERE order_id = $1`, orderID))
}

func (s *Orders) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx, selectPayment+` WHERE id = $1`, id))
}

func (s *Orders) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx, selectPayment+` WHERE external_id = $1`, externalID))
}

func (s *Orders) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := selectOrder
	args := []interface{}{limit, f.Offset}
	if f.Status != nil {
		q += ` WHERE status = $3`
		args = append(args, string(*f.Status))
	}
	q += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, domain.Internal(err, "orders.list", "failed to list orders")
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "orders.list", "failed to read orders")
	}
	return out, nil
}

func (s *Orders) ListStalePendingPayments(ctx context.Context, cutoff time.Time) ([]domain.Payment, error) {
	q := selectPayment + ` WHERE status = $1 AND created_at < $2 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, string(domain.PaymentStatusPending), cutoff)
	if err != nil {
		return nil, domain.Internal(err, "payments.list_stale", "failed to list pending payments")
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "payments.list_stale", "failed to read pending payments")
	}
	return out, nil
}

func (s *Orders) CreateRefund(ctx context.Context, r *domain.Refund) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Internal(err, "refunds.create", "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := upsertRefundTx(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Internal(err, "refunds.create", "failed to commit")
	}
	return nil
}

func (s *Orders) UpdateRefund(ctx context.Context, r *domain.Refund) error {
	const q = `
		UPDATE refunds
		SET status = $2, external_id = $3, failure_note = $4, updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, r.ID, string(r.Status), r.ExternalID, r.FailureNote)
	if err != nil {
		return domain.Internal(err, "refunds.update", "failed to update refund")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRefundNotFound
	}
	return nil
}

const selectRefund = `
	SELECT id, payment_id, amount_cents, reason, status,
	       COALESCE(external_id, ''), COALESCE(failure_note, ''), created_at, updated_at
	FROM refunds`

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	var (
		r      domain.Refund
		status string
	)
	err := row.Scan(
		&r.ID, &r.PaymentID, &r.AmountCents, &r.Reason, &status,
		&r.ExternalID, &r.FailureNote, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRefundNotFound
		}
		return nil, domain.Internal(err, "refunds.scan", "failed to scan refund")
	}
	r.Status = domain.RefundStatus(status)
	return &r, nil
}

func (s *Orders) GetRefund(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	return scanRefund(s.pool.QueryRow(ctx, selectRefund+` WHERE id = $1`, id))
}

func (s *Orders) ListRefundsByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error) {
	rows, err := s.pool.Query(ctx, selectRefund+` WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, domain.Internal(err, "refunds.list", "failed to list refunds")
	}
	defer rows.Close()

	var out []domain.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "refunds.list", "failed to read refunds")
	}
	return out, nil
}
