package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/catalog"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/eventstore"
	"github.com/mkarlsen/skadi/internal/handler"
	"github.com/mkarlsen/skadi/internal/memstore"
	"github.com/mkarlsen/skadi/internal/middleware"
	"github.com/mkarlsen/skadi/internal/router"
	"github.com/mkarlsen/skadi/internal/service"
	"github.com/mkarlsen/skadi/internal/shipping"
	"github.com/mkarlsen/skadi/internal/tax"
)

type apiEnv struct {
	srv      *httptest.Server
	events   *eventstore.Memory
	store    *memstore.Orders
	catalog  *catalog.Memory
	provider *billing.MockProvider
}

func newAPIEnv(t *testing.T) *apiEnv {
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

	checkoutSvc := service.NewCheckoutService(store, cat, taxCalc, rates, provider, nil, logger, service.CheckoutConfig{})
	orderSvc := service.NewOrderService(store, events, cat, provider, nil, logger)
	paymentSvc := service.NewPaymentService(store, events, cat, nil, logger)
	refundSvc := service.NewRefundProcessor(store, provider, nil, logger)

	r := router.New(
		middleware.RequestID,
		middleware.WithRequestLogger(logger),
		middleware.Recover,
	)
	handler.Register(r,
		handler.NewCheckoutHandler(checkoutSvc, logger),
		handler.NewOrderHandler(orderSvc, logger),
		handler.NewRefundHandler(refundSvc, logger),
		handler.NewWebhookHandler(provider, paymentSvc, events, nil, logger),
	)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, events: events, store: store, catalog: cat, provider: provider}
}

func (e *apiEnv) seedProduct(t *testing.T, name string, priceCents int64, stock int32) uuid.UUID {
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

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

var apiShipTo = map[string]string{
	"full_name":     "Ada Lovelace",
	"address_line1": "12 Analytical Way",
	"city":          "Seattle",
	"state":         "WA",
	"postal_code":   "98101",
	"country":       "US",
}

func cartBody(productID uuid.UUID, qty int32, unitPriceCents int64) map[string]interface{} {
	return map[string]interface{}{
		"session_id": "session-1",
		"items": []map[string]interface{}{
			{"product_id": productID, "quantity": qty, "unit_price_cents": unitPriceCents},
		},
	}
}

func confirmBody(productID uuid.UUID, qty int32, unitPriceCents int64) map[string]interface{} {
	return map[string]interface{}{
		"customer_id":      "cust-1",
		"cart":             cartBody(productID, qty, unitPriceCents),
		"payment_method":   "card",
		"shipping_address": apiShipTo,
		"billing_address":  apiShipTo,
	}
}

func TestAPI_Checkout_Calculate(t *testing.T) {
	env := newAPIEnv(t)
	productID := env.seedProduct(t, "Kettle", 2000, 10)

	resp, raw := env.do(t, http.MethodPost, "/checkout/calculate", map[string]interface{}{
		"cart":             cartBody(productID, 2, 2000),
		"shipping_address": apiShipTo,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var totals domain.OrderTotals
	require.NoError(t, json.Unmarshal(raw, &totals))
	assert.Equal(t, int64(4000), totals.SubtotalCents)
	assert.Equal(t, int64(400), totals.TaxCents)
	assert.Equal(t, int64(500), totals.ShippingCents)
	assert.Equal(t, int64(4900), totals.TotalCents)
}

func TestAPI_Checkout_Calculate_RejectsBadPayload(t *testing.T) {
	env := newAPIEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/checkout/calculate", map[string]interface{}{
		"cart": map[string]interface{}{"session_id": "s", "items": []interface{}{}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
}

func TestAPI_Checkout_Validate_ReportsIssues(t *testing.T) {
	env := newAPIEnv(t)
	productID := env.seedProduct(t, "Kettle", 2000, 1)

	resp, raw := env.do(t, http.MethodPost, "/checkout/validate", map[string]interface{}{
		"cart":             cartBody(productID, 3, 2000),
		"shipping_address": apiShipTo,
		"billing_address":  apiShipTo,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var result domain.ValidationResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Issues)
	assert.Equal(t, domain.IssueOutOfStock, result.Issues[0].Code)
}

func TestAPI_Checkout_Confirm_RequiresIdempotencyKey(t *testing.T) {
	env := newAPIEnv(t)
	productID := env.seedProduct(t, "Kettle", 2000, 10)

	resp, raw := env.do(t, http.MethodPost, "/checkout/confirm", confirmBody(productID, 1, 2000), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
}

func TestAPI_Checkout_Confirm_CreatedThenReplayed(t *testing.T) {
	env := newAPIEnv(t)
	productID := env.seedProduct(t, "Kettle", 2000, 10)
	headers := map[string]string{handler.IdempotencyKeyHeader: "key-1"}

	resp, raw := env.do(t, http.MethodPost, "/checkout/confirm", confirmBody(productID, 2, 2000), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var first domain.Confirmation
	require.NoError(t, json.Unmarshal(raw, &first))
	require.NotNil(t, first.Detail)
	assert.Equal(t, domain.OrderPending, first.Detail.Order.Status)
	assert.NotEmpty(t, first.ClientSecret)

	resp, raw = env.do(t, http.MethodPost, "/checkout/confirm", confirmBody(productID, 2, 2000), headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var second domain.Confirmation
	require.NoError(t, json.Unmarshal(raw, &second))
	assert.Equal(t, first.Detail.Order.ID, second.Detail.Order.ID)
}

func TestAPI_Checkout_Confirm_StalePriceReturnsIssues(t *testing.T) {
	env := newAPIEnv(t)
	productID := env.seedProduct(t, "Kettle", 2000, 10)
	headers := map[string]string{handler.IdempotencyKeyHeader: "key-1"}

	resp, raw := env.do(t, http.MethodPost, "/checkout/confirm", confirmBody(productID, 1, 1500), headers)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(raw))

	var body struct {
		Issues []domain.Issue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.NotEmpty(t, body.Issues)
	assert.Equal(t, domain.IssuePriceChanged, body.Issues[0].Code)
}

// confirmViaAPI drives a full confirm and returns the created order detail.
func confirmViaAPI(t *testing.T, env *apiEnv, key string) *domain.OrderDetail {
	t.Helper()
	productID := env.seedProduct(t, "Kettle", 2000, 10)
	resp, raw := env.do(t, http.MethodPost, "/checkout/confirm", confirmBody(productID, 2, 2000),
		map[string]string{handler.IdempotencyKeyHeader: key})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var conf domain.Confirmation
	require.NoError(t, json.Unmarshal(raw, &conf))
	require.NotNil(t, conf.Detail)
	return conf.Detail
}

func TestAPI_Orders_GetAndList(t *testing.T) {
	env := newAPIEnv(t)
	detail := confirmViaAPI(t, env, "key-1")

	resp, raw := env.do(t, http.MethodGet, "/orders/"+detail.Order.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var got domain.OrderDetail
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, detail.Order.ID, got.Order.ID)

	resp, raw = env.do(t, http.MethodGet, "/orders?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var list struct {
		Orders []domain.Order `json:"orders"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Equal(t, 1, list.Count)
}

func TestAPI_Orders_Get_NotFound(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/orders/"+uuid.New().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/orders/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Orders_Transition_IllegalEdgeConflicts(t *testing.T) {
	env := newAPIEnv(t)
	detail := confirmViaAPI(t, env, "key-1")

	// Pending orders cannot ship.
	resp, raw := env.do(t, http.MethodPost, "/orders/"+detail.Order.ID.String()+"/transition",
		map[string]string{"status": "shipped", "actor": "ops"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(raw))
}

func TestAPI_Orders_Transition_Cancel(t *testing.T) {
	env := newAPIEnv(t)
	detail := confirmViaAPI(t, env, "key-1")

	resp, raw := env.do(t, http.MethodPost, "/orders/"+detail.Order.ID.String()+"/transition",
		map[string]string{"status": "cancelled", "actor": "customer", "reason": "changed my mind"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var got domain.OrderDetail
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, domain.OrderCancelled, got.Order.Status)
}

func webhookPost(t *testing.T, env *apiEnv, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/payments/webhook/stripe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", "t=123,v1=mock")
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestAPI_Webhook_CaptureConfirmsOrder(t *testing.T) {
	env := newAPIEnv(t)
	detail := confirmViaAPI(t, env, "key-1")

	payload, err := env.provider.SimulatePaymentSuccess(detail.Payment.ExternalID)
	require.NoError(t, err)

	resp, raw := webhookPost(t, env, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = env.do(t, http.MethodGet, "/orders/"+detail.Order.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.OrderDetail
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, domain.OrderConfirmed, got.Order.Status)
	assert.Equal(t, domain.PaymentStatusCaptured, got.Payment.Status)
}

func TestAPI_Webhook_DuplicateDeliveryAcknowledged(t *testing.T) {
	env := newAPIEnv(t)
	detail := confirmViaAPI(t, env, "key-1")

	payload, err := env.provider.SimulatePaymentSuccess(detail.Payment.ExternalID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, _ := webhookPost(t, env, payload)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	events, err := env.events.Load(context.Background(), detail.Order.ID)
	require.NoError(t, err)
	var captures int
	for _, e := range events {
		if e.Event.EventType() == domain.EventPaymentCaptured {
			captures++
		}
	}
	assert.Equal(t, 1, captures)
}

func TestAPI_Webhook_BadSignatureRejected(t *testing.T) {
	env := newAPIEnv(t)
	env.provider.ParseWebhookFunc = func(payload []byte, signature string) (*billing.Event, error) {
		return nil, billing.ErrInvalidWebhookSignature
	}

	resp, _ := webhookPost(t, env, []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Webhook_UnknownReferenceDeadLettered(t *testing.T) {
	env := newAPIEnv(t)

	payload, err := json.Marshal(billing.Event{
		ID:          "evt_orphan",
		Kind:        billing.EventPaymentSucceeded,
		ProviderRef: "pi_unknown",
		AmountCents: 100,
	})
	require.NoError(t, err)

	// Still acknowledged so the provider stops retrying.
	resp, raw := webhookPost(t, env, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	letters, err := env.events.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "stripe", letters[0].Source)
	assert.Equal(t, service.DedupeKey("stripe", "evt_orphan"), letters[0].DedupeKey)
}

func TestAPI_Refunds_CreateAndGet(t *testing.T) {
	env := newAPIEnv(t)
	detail := confirmViaAPI(t, env, "key-1")

	payload, err := env.provider.SimulatePaymentSuccess(detail.Payment.ExternalID)
	require.NoError(t, err)
	resp, _ := webhookPost(t, env, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := env.do(t, http.MethodPost, "/payments/refunds", map[string]interface{}{
		"payment_id":   detail.Payment.ID,
		"amount_cents": 1000,
		"reason":       "damaged item",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var refund domain.Refund
	require.NoError(t, json.Unmarshal(raw, &refund))
	assert.Equal(t, domain.RefundStatusCompleted, refund.Status)

	resp, raw = env.do(t, http.MethodGet, "/payments/refunds/"+refund.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
}

func TestAPI_Refunds_ExceedsBalance(t *testing.T) {
	env := newAPIEnv(t)
	detail := confirmViaAPI(t, env, "key-1")

	payload, err := env.provider.SimulatePaymentSuccess(detail.Payment.ExternalID)
	require.NoError(t, err)
	resp, _ := webhookPost(t, env, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := env.do(t, http.MethodPost, "/payments/refunds", map[string]interface{}{
		"payment_id":   detail.Payment.ID,
		"amount_cents": detail.Payment.AmountCents + 1,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
}

func TestAPI_Healthz(t *testing.T) {
	env := newAPIEnv(t)
	resp, raw := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"status":"ok"}`+"\n", string(raw))
}
