package catalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
)

// ErrProductNotFound indicates the requested product does not exist.
var ErrProductNotFound = &domain.Error{Code: domain.ENOTFOUND, Message: "Product not found"}

// Snapshot is the point-in-time view of a product that checkout prices
// and validates against. Stock is the value at read time and can change
// immediately after; only DecrementStock is authoritative.
type Snapshot struct {
	ProductID  uuid.UUID `json:"product_id"`
	Name       string    `json:"name"`
	SKU        string    `json:"sku"`
	PriceCents int64     `json:"price_cents"`
	Stock      int32     `json:"stock"`
	Active     bool      `json:"active"`
}

// Catalog is the read and stock-reservation surface of the product
// catalog. Implementations must make DecrementStock a single atomic
// conditional operation so concurrent checkouts cannot oversell.
type Catalog interface {
	// GetSnapshot returns the current product view, or ErrProductNotFound.
	GetSnapshot(ctx context.Context, productID uuid.UUID) (*Snapshot, error)

	// DecrementStock atomically reduces stock by qty only when at least
	// qty units remain. Fails with domain.ErrInsufficientStock otherwise.
	DecrementStock(ctx context.Context, productID uuid.UUID, qty int32) error

	// ReleaseStock returns qty units, compensating a decrement whose
	// checkout did not complete. Safe to call for cancelled orders.
	ReleaseStock(ctx context.Context, productID uuid.UUID, qty int32) error
}
