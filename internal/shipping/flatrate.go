package shipping

import (
	"context"

	"github.com/mkarlsen/skadi/internal/domain"
)

// FlatRate defines a single flat-rate shipping option.
type FlatRate struct {
	ServiceName string
	ServiceCode string
	CostCents   int64
	DaysMin     int
	DaysMax     int
}

// FlatRateProvider quotes from a fixed table of options, cheapest first.
// Used when real carrier integration is not needed.
type FlatRateProvider struct {
	rates []FlatRate
}

var _ RateLookup = (*FlatRateProvider)(nil)

// NewFlatRateProvider creates a provider over the given options.
func NewFlatRateProvider(rates []FlatRate) *FlatRateProvider {
	return &FlatRateProvider{rates: rates}
}

// Quote returns the cheapest configured option. Destination must carry a
// complete address; flat rates do not vary by region.
func (p *FlatRateProvider) Quote(ctx context.Context, params Params) (*Quote, error) {
	if !params.Destination.Complete() {
		return nil, domain.Invalid("shipping.quote", "destination address is incomplete")
	}
	if len(p.rates) == 0 {
		return nil, ErrNoRates
	}

	best := p.rates[0]
	for _, r := range p.rates[1:] {
		if r.CostCents < best.CostCents {
			best = r
		}
	}
	return &Quote{
		ServiceName: best.ServiceName,
		ServiceCode: best.ServiceCode,
		CostCents:   best.CostCents,
		DaysMin:     best.DaysMin,
		DaysMax:     best.DaysMax,
	}, nil
}
