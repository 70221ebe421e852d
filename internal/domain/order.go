package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

// orderTransitions is the only source of truth for legal status changes.
// Any edge absent here is rejected with ErrInvalidTransition and appends
// no event.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderConfirmed, OrderCancelled},
	OrderConfirmed:  {OrderProcessing, OrderCancelled, OrderRefunded},
	OrderProcessing: {OrderShipped, OrderCancelled, OrderRefunded},
	OrderShipped:    {OrderDelivered, OrderCancelled, OrderRefunded},
	OrderDelivered:  {OrderRefunded},
	OrderCancelled:  {},
	OrderRefunded:   {},
}

// CanTransition reports whether from -> to is a legal order status change.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
// Delivered still permits a full-refund transition, so it is not terminal
// for the state machine even though fulfillment is complete.
func IsTerminal(s OrderStatus) bool {
	return len(orderTransitions[s]) == 0
}

// ValidStatus reports whether s is a known order status.
func ValidStatus(s OrderStatus) bool {
	_, ok := orderTransitions[s]
	return ok
}

// Address is a shipping or billing address captured at checkout.
type Address struct {
	FullName     string `json:"full_name" validate:"required"`
	AddressLine1 string `json:"address_line1" validate:"required"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city" validate:"required"`
	State        string `json:"state" validate:"required"`
	PostalCode   string `json:"postal_code" validate:"required"`
	Country      string `json:"country" validate:"required,iso3166_1_alpha2"`
}

// Complete reports whether all required address fields are present.
func (a Address) Complete() bool {
	return a.FullName != "" && a.AddressLine1 != "" && a.City != "" &&
		a.State != "" && a.PostalCode != "" && a.Country != ""
}

// OrderItem is an immutable snapshot of a product at order-creation time.
// Never mutated after creation.
type OrderItem struct {
	ID             uuid.UUID `json:"id"`
	OrderID        uuid.UUID `json:"order_id"`
	ProductID      uuid.UUID `json:"product_id"`
	ProductName    string    `json:"product_name"`
	SKU            string    `json:"sku"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Quantity       int32     `json:"quantity"`
	LineTotalCents int64     `json:"line_total_cents"`
}

// Order is the materialized view of the order aggregate. Its status only
// moves along the transition table, and every change appends an event; the
// row must always equal the fold of the aggregate's events.
type Order struct {
	ID              uuid.UUID   `json:"id"`
	OrderNumber     string      `json:"order_number"`
	CustomerID      string      `json:"customer_id"`
	Status          OrderStatus `json:"status"`
	SubtotalCents   int64       `json:"subtotal_cents"`
	TaxCents        int64       `json:"tax_cents"`
	ShippingCents   int64       `json:"shipping_cents"`
	TotalCents      int64       `json:"total_cents"`
	Currency        string      `json:"currency"`
	ShippingAddress Address     `json:"shipping_address"`
	BillingAddress  Address     `json:"billing_address"`
	IdempotencyKey  string      `json:"-"`
	Version         int64       `json:"version"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// CheckTotals verifies the money invariants that must hold at every
// mutation: subtotal equals the sum of line totals, and total equals
// subtotal + tax + shipping.
func (o *Order) CheckTotals(items []OrderItem) error {
	var sum int64
	for _, it := range items {
		sum += it.LineTotalCents
	}
	if sum != o.SubtotalCents {
		return Errorf(EINTERNAL, "order.check_totals",
			"subtotal %d does not match line totals %d", o.SubtotalCents, sum)
	}
	if o.SubtotalCents+o.TaxCents+o.ShippingCents != o.TotalCents {
		return Errorf(EINTERNAL, "order.check_totals",
			"total %d does not match subtotal+tax+shipping", o.TotalCents)
	}
	return nil
}

// OrderDetail aggregates an order with its items, payment, and refunds.
type OrderDetail struct {
	Order   Order       `json:"order"`
	Items   []OrderItem `json:"items"`
	Payment Payment     `json:"payment"`
	Refunds []Refund    `json:"refunds,omitempty"`
}
