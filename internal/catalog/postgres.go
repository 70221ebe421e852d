package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/skadi/internal/domain"
)

// Postgres implements Catalog against the products table. Stock
// reservation relies on a conditional UPDATE so the database, not the
// application, arbitrates the last unit.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Catalog = (*Postgres)(nil)

// NewPostgres creates a catalog backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) GetSnapshot(ctx context.Context, productID uuid.UUID) (*Snapshot, error) {
	const q = `
		SELECT id, name, sku, price_cents, stock, active
		FROM products
		WHERE id = $1`

	var s Snapshot
	err := p.pool.QueryRow(ctx, q, productID).Scan(
		&s.ProductID, &s.Name, &s.SKU, &s.PriceCents, &s.Stock, &s.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, domain.Internal(err, "catalog.get_snapshot", "failed to load product")
	}
	return &s, nil
}

func (p *Postgres) DecrementStock(ctx context.Context, productID uuid.UUID, qty int32) error {
	const q = `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`

	tag, err := p.pool.Exec(ctx, q, productID, qty)
	if err != nil {
		return domain.Internal(err, "catalog.decrement_stock", "failed to decrement stock")
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing product from a stock shortfall.
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID,
		).Scan(&exists); err != nil {
			return domain.Internal(err, "catalog.decrement_stock", "failed to check product")
		}
		if !exists {
			return ErrProductNotFound
		}
		return domain.ErrInsufficientStock
	}
	return nil
}

func (p *Postgres) ReleaseStock(ctx context.Context, productID uuid.UUID, qty int32) error {
	const q = `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, q, productID, qty)
	if err != nil {
		return domain.Internal(err, "catalog.release_stock", "failed to release stock")
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}
