package shipping

import "context"

// MockRateLookup is a test implementation of RateLookup.
type MockRateLookup struct {
	QuoteFunc func(ctx context.Context, params Params) (*Quote, error)
}

var _ RateLookup = (*MockRateLookup)(nil)

// NewMockRateLookup creates a mock that returns a $5.00 standard quote
// unless a function override is set.
func NewMockRateLookup() *MockRateLookup {
	return &MockRateLookup{}
}

func (m *MockRateLookup) Quote(ctx context.Context, params Params) (*Quote, error) {
	if m.QuoteFunc != nil {
		return m.QuoteFunc(ctx, params)
	}
	return &Quote{
		ServiceName: "Standard",
		ServiceCode: "standard",
		CostCents:   500,
		DaysMin:     3,
		DaysMax:     7,
	}, nil
}
