package tax

import (
	"context"
	"math"

	"github.com/mkarlsen/skadi/internal/domain"
)

// PercentageCalculator applies a single flat rate to the item subtotal.
// Shipping is not taxed.
type PercentageCalculator struct {
	rate float64
}

var _ Calculator = (*PercentageCalculator)(nil)

// NewPercentageCalculator creates a calculator for the given rate,
// e.g. 0.10 for 10%.
func NewPercentageCalculator(rate float64) (*PercentageCalculator, error) {
	if rate < 0 || rate > 1 {
		return nil, domain.Invalid("tax.new_percentage_calculator", "tax rate must be between 0 and 1")
	}
	return &PercentageCalculator{rate: rate}, nil
}

// CalculateTax computes rate * subtotal, rounded half away from zero to
// the nearest cent.
func (c *PercentageCalculator) CalculateTax(ctx context.Context, params Params) (*Result, error) {
	var subtotal int64
	for _, line := range params.Lines {
		subtotal += line.LineTotalCents
	}

	tax := int64(math.Round(float64(subtotal) * c.rate))
	return &Result{TaxCents: tax, Rate: c.rate}, nil
}
