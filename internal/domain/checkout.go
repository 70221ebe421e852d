package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// QuotedLine is one priced line of a checkout quote. Prices come from the
// live catalog at calculate time; confirm freezes them into OrderItems.
type QuotedLine struct {
	ProductID      uuid.UUID `json:"product_id"`
	ProductName    string    `json:"product_name"`
	SKU            string    `json:"sku"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Quantity       int32     `json:"quantity"`
	LineTotalCents int64     `json:"line_total_cents"`
}

// OrderTotals is the breakdown of a checkout quote. total is always
// subtotal + tax + shipping.
type OrderTotals struct {
	Lines           []QuotedLine `json:"lines"`
	SubtotalCents   int64        `json:"subtotal_cents"`
	TaxCents        int64        `json:"tax_cents"`
	ShippingCents   int64        `json:"shipping_cents"`
	TotalCents      int64        `json:"total_cents"`
	Currency        string       `json:"currency"`
	ShippingService string       `json:"shipping_service,omitempty"`
}

// IssueCode classifies a validation finding.
type IssueCode string

const (
	IssueOutOfStock        IssueCode = "OUT_OF_STOCK"
	IssuePriceChanged      IssueCode = "PRICE_CHANGED"
	IssueProductInactive   IssueCode = "PRODUCT_INACTIVE"
	IssueProductNotFound   IssueCode = "PRODUCT_NOT_FOUND"
	IssueAddressIncomplete IssueCode = "ADDRESS_INCOMPLETE"
	IssueEmptyCart         IssueCode = "EMPTY_CART"
)

// Issue is a single problem found by validate, specific enough for the
// client to correct and re-run calculate.
type Issue struct {
	Code      IssueCode `json:"code"`
	ProductID uuid.UUID `json:"product_id,omitempty"`
	Message   string    `json:"message"`
}

// ValidationResult reports whether a quote is confirmable plus the issue
// list when it is not. Validate never mutates anything.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// ValidationError carries a failed validation result through the error
// path so handlers can return the issue list to the client.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	if len(e.Result.Issues) == 0 {
		return "cart validation failed"
	}
	return fmt.Sprintf("cart validation failed: %s", e.Result.Issues[0].Message)
}

// ConfirmParams carries everything confirm needs. IdempotencyKey makes a
// retried confirm return the already-created order unchanged.
type ConfirmParams struct {
	Cart            *Cart
	Totals          OrderTotals
	PaymentMethod   string
	ShippingAddress Address
	BillingAddress  Address
	IdempotencyKey  string
}

// Confirmation is the result of a confirm call. When the provider could
// not be reached, PaymentPending is set and the order stays PENDING with
// the cart intact for retry.
type Confirmation struct {
	Detail         *OrderDetail `json:"order"`
	ClientSecret   string       `json:"client_secret,omitempty"`
	ProviderRef    string       `json:"provider_ref,omitempty"`
	PaymentPending bool         `json:"payment_pending,omitempty"`
	Replayed       bool         `json:"-"`
}
