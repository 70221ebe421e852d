package domain

import (
	"context"

	"github.com/google/uuid"
)

// CartItem is a line in a pre-order basket. UnitPriceCents is the quoted
// price at the time the item was added; checkout revalidates it against
// the live catalog price before confirm.
type CartItem struct {
	ProductID      uuid.UUID `json:"product_id"`
	Quantity       int32     `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
}

// Cart is the mutable pre-order basket. It is owned by a single session
// and never shared, so it needs no locking of its own. It is pure input
// to checkout, not event-sourced; it is cleared only after a successful
// confirm.
type Cart struct {
	OwnerID string     `json:"owner_id"`
	Items   []CartItem `json:"items"`
}

// NewCart creates an empty cart for the given owner.
func NewCart(ownerID string) *Cart {
	return &Cart{OwnerID: ownerID}
}

// AddItem appends a product to the cart, or increases the quantity if the
// product is already present. Quantities below 1 are rejected.
func (c *Cart) AddItem(productID uuid.UUID, qty int32, unitPriceCents int64) error {
	if qty < 1 {
		return Invalid("cart.add_item", "quantity must be greater than 0")
	}
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity += qty
			c.Items[i].UnitPriceCents = unitPriceCents
			return nil
		}
	}
	c.Items = append(c.Items, CartItem{
		ProductID:      productID,
		Quantity:       qty,
		UnitPriceCents: unitPriceCents,
	})
	return nil
}

// UpdateQuantity sets the quantity of an existing line. A quantity of zero
// or less removes the line.
func (c *Cart) UpdateQuantity(productID uuid.UUID, qty int32) error {
	if qty <= 0 {
		return c.RemoveItem(productID)
	}
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity = qty
			return nil
		}
	}
	return NotFound("cart.update_quantity", "cart item", productID.String())
}

// RemoveItem deletes a line from the cart. Removing an absent product is
// a no-op.
func (c *Cart) RemoveItem(productID uuid.UUID) error {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Clear removes every line. Called only after a successful confirm.
func (c *Cart) Clear() {
	c.Items = nil
}

// Snapshot returns a copy of the cart's lines in insertion order.
func (c *Cart) Snapshot() []CartItem {
	out := make([]CartItem, len(c.Items))
	copy(out, c.Items)
	return out
}

// Empty reports whether the cart has no lines.
func (c *Cart) Empty() bool {
	return len(c.Items) == 0
}

// CartMerger merges a guest cart into an authenticated user's cart on
// login. Merge semantics (sum quantities, prefer newest, prompt) are an
// external product decision; no implementation ships here.
type CartMerger interface {
	Merge(ctx context.Context, guest, owner *Cart) (*Cart, error)
}
