package tax

import (
	"context"

	"github.com/mkarlsen/skadi/internal/domain"
)

// Params carries the priced lines and destination a calculator needs.
// Amounts are integer cents; the calculator owns all rounding.
type Params struct {
	Lines           []domain.QuotedLine
	ShippingCents   int64
	ShippingAddress domain.Address
}

// Result is the computed tax for one quote.
type Result struct {
	TaxCents int64
	// Rate is the effective rate applied, for display and audit.
	Rate float64
}

// Calculator computes tax for a checkout quote. Implementations must be
// deterministic for identical inputs so calculate and confirm agree.
type Calculator interface {
	CalculateTax(ctx context.Context, params Params) (*Result, error)
}
