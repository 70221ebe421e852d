package service_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/catalog"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/eventstore"
	"github.com/mkarlsen/skadi/internal/memstore"
	"github.com/mkarlsen/skadi/internal/service"
	"github.com/mkarlsen/skadi/internal/shipping"
	"github.com/mkarlsen/skadi/internal/tax"
)

var shipTo = domain.Address{
	FullName:     "Ada Lovelace",
	AddressLine1: "12 Analytical Way",
	City:         "Seattle",
	State:        "WA",
	PostalCode:   "98101",
	Country:      "US",
}

var billTo = shipTo

// testEnv wires the full service stack over in-memory storage, a mock
// billing provider, 10% tax, and $5.00 flat-rate shipping.
type testEnv struct {
	events   *eventstore.Memory
	store    *memstore.Orders
	catalog  *catalog.Memory
	provider *billing.MockProvider

	checkout *service.CheckoutService
	orders   *service.OrderService
	payments *service.PaymentService
	refunds  *service.RefundProcessor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	events := eventstore.NewMemory()
	store := memstore.NewOrders(events)
	cat := catalog.NewMemory()
	provider := billing.NewMockProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	taxCalc, err := tax.NewPercentageCalculator(0.10)
	require.NoError(t, err)
	rates := shipping.NewFlatRateProvider([]shipping.FlatRate{
		{ServiceName: "Standard", ServiceCode: "standard", CostCents: 500, DaysMin: 3, DaysMax: 7},
	})

	return &testEnv{
		events:   events,
		store:    store,
		catalog:  cat,
		provider: provider,
		checkout: service.NewCheckoutService(store, cat, taxCalc, rates, provider, nil, logger, service.CheckoutConfig{}),
		orders:   service.NewOrderService(store, events, cat, provider, nil, logger),
		payments: service.NewPaymentService(store, events, cat, nil, logger),
		refunds:  service.NewRefundProcessor(store, provider, nil, logger),
	}
}

// seedProduct puts a product in the catalog and returns its id.
func (e *testEnv) seedProduct(t *testing.T, name string, priceCents int64, stock int32) uuid.UUID {
	t.Helper()
	id := uuid.New()
	e.catalog.Put(catalog.Snapshot{
		ProductID:  id,
		Name:       name,
		SKU:        "SKU-" + id.String()[:8],
		PriceCents: priceCents,
		Stock:      stock,
		Active:     true,
	})
	return id
}

// cartFor builds a cart whose quoted prices match the live catalog.
func cartFor(t *testing.T, items ...domain.CartItem) *domain.Cart {
	t.Helper()
	cart := domain.NewCart("session-1")
	for _, it := range items {
		require.NoError(t, cart.AddItem(it.ProductID, it.Quantity, it.UnitPriceCents))
	}
	return cart
}
