package catalog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
)

// Memory is an in-memory Catalog for tests and local development.
type Memory struct {
	mu       sync.Mutex
	products map[uuid.UUID]Snapshot
}

var _ Catalog = (*Memory)(nil)

// NewMemory creates a catalog seeded with the given products.
func NewMemory(products ...Snapshot) *Memory {
	m := &Memory{products: make(map[uuid.UUID]Snapshot, len(products))}
	for _, p := range products {
		m.products[p.ProductID] = p
	}
	return m
}

// Put inserts or replaces a product.
func (m *Memory) Put(p Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ProductID] = p
}

func (m *Memory) GetSnapshot(ctx context.Context, productID uuid.UUID) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	out := p
	return &out, nil
}

func (m *Memory) DecrementStock(ctx context.Context, productID uuid.UUID, qty int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	if p.Stock < qty {
		return domain.ErrInsufficientStock
	}
	p.Stock -= qty
	m.products[productID] = p
	return nil
}

func (m *Memory) ReleaseStock(ctx context.Context, productID uuid.UUID, qty int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock += qty
	m.products[productID] = p
	return nil
}
