package tax

import "context"

// NoTaxCalculator returns zero tax for all calculations. Used for
// tax-exempt deployments and as a safe default in tests.
type NoTaxCalculator struct{}

var _ Calculator = (*NoTaxCalculator)(nil)

// NewNoTaxCalculator creates a calculator that always returns zero.
func NewNoTaxCalculator() *NoTaxCalculator {
	return &NoTaxCalculator{}
}

// CalculateTax always returns zero tax.
func (c *NoTaxCalculator) CalculateTax(ctx context.Context, params Params) (*Result, error) {
	return &Result{TaxCents: 0, Rate: 0}, nil
}
