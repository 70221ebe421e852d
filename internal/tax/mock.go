package tax

import "context"

// MockCalculator is a test implementation of Calculator.
type MockCalculator struct {
	CalculateTaxFunc func(ctx context.Context, params Params) (*Result, error)
}

var _ Calculator = (*MockCalculator)(nil)

// NewMockCalculator creates a mock that returns zero tax unless a
// function override is set.
func NewMockCalculator() *MockCalculator {
	return &MockCalculator{}
}

// CalculateTax delegates to the configured function or returns zero tax.
func (m *MockCalculator) CalculateTax(ctx context.Context, params Params) (*Result, error) {
	if m.CalculateTaxFunc != nil {
		return m.CalculateTaxFunc(ctx, params)
	}
	return &Result{TaxCents: 0, Rate: 0}, nil
}
