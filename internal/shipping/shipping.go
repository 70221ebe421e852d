package shipping

import (
	"context"

	"github.com/mkarlsen/skadi/internal/domain"
)

// Params describes one shipment to quote.
type Params struct {
	Destination domain.Address
	// TotalWeightGrams is advisory; flat-rate providers ignore it.
	TotalWeightGrams int32
	ItemCount        int32
}

// Quote is one priced shipping option.
type Quote struct {
	ServiceName string `json:"service_name"`
	ServiceCode string `json:"service_code"`
	CostCents   int64  `json:"cost_cents"`
	DaysMin     int    `json:"days_min"`
	DaysMax     int    `json:"days_max"`
}

// RateLookup prices shipping for a checkout quote. Implementations must
// be deterministic for identical inputs so calculate and confirm agree.
type RateLookup interface {
	// Quote returns the selected shipping option for the shipment.
	Quote(ctx context.Context, params Params) (*Quote, error)
}

// ErrNoRates indicates the provider has no option for the destination.
var ErrNoRates = &domain.Error{Code: domain.EINVALID, Message: "No shipping rates available for destination"}
