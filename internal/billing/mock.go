package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing. It simulates
// successful payment flows without calling a real provider API.
type MockProvider struct {
	// CreatePaymentIntentFunc allows customizing intent creation behavior.
	CreatePaymentIntentFunc func(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// GetPaymentIntentFunc allows customizing intent retrieval behavior.
	GetPaymentIntentFunc func(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)

	// RefundPaymentFunc allows customizing refund behavior.
	RefundPaymentFunc func(ctx context.Context, params RefundParams) (*Refund, error)

	// ParseWebhookFunc allows customizing webhook parsing behavior.
	ParseWebhookFunc func(payload []byte, signature string) (*Event, error)

	mu sync.Mutex

	// PaymentIntents stores created payment intents for retrieval.
	PaymentIntents map[string]*PaymentIntent

	// intentsByIdemKey replays prior intents for a reused idempotency
	// key, the way a real provider deduplicates creation.
	intentsByIdemKey map[string]*PaymentIntent

	// CallLog tracks method calls for test assertions.
	CallLog []string
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		PaymentIntents:   make(map[string]*PaymentIntent),
		intentsByIdemKey: make(map[string]*PaymentIntent),
		CallLog:          []string{},
	}
}

func (m *MockProvider) log(format string, args ...interface{}) {
	m.CallLog = append(m.CallLog, fmt.Sprintf(format, args...))
}

// CreatePaymentIntent creates a mock payment intent in
// requires_payment_method status.
func (m *MockProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("CreatePaymentIntent(%d, %s)", params.AmountCents, params.Currency)

	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, params)
	}

	if params.IdempotencyKey != "" {
		if pi, ok := m.intentsByIdemKey[params.IdempotencyKey]; ok {
			out := *pi
			return &out, nil
		}
	}

	id := "pi_" + uuid.New().String()
	pi := &PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.New().String(),
		AmountCents:  params.AmountCents,
		Currency:     params.Currency,
		Status:       "requires_payment_method",
		Metadata:     params.Metadata,
		CreatedAt:    time.Now(),
	}
	m.PaymentIntents[pi.ID] = pi
	if params.IdempotencyKey != "" {
		m.intentsByIdemKey[params.IdempotencyKey] = pi
	}
	return pi, nil
}

// GetPaymentIntent retrieves a stored payment intent.
func (m *MockProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("GetPaymentIntent(%s)", paymentIntentID)

	if m.GetPaymentIntentFunc != nil {
		return m.GetPaymentIntentFunc(ctx, paymentIntentID)
	}

	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return nil, ErrPaymentIntentNotFound
	}
	out := *pi
	return &out, nil
}

// CancelPaymentIntent cancels a stored payment intent.
func (m *MockProvider) CancelPaymentIntent(ctx context.Context, paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("CancelPaymentIntent(%s)", paymentIntentID)

	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return ErrPaymentIntentNotFound
	}
	pi.Status = "canceled"
	return nil
}

// RefundPayment returns a succeeded mock refund.
func (m *MockProvider) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("RefundPayment(%s, %d)", params.PaymentRef, params.AmountCents)

	if m.RefundPaymentFunc != nil {
		return m.RefundPaymentFunc(ctx, params)
	}

	return &Refund{
		ID:          "re_" + uuid.New().String(),
		AmountCents: params.AmountCents,
		Status:      "succeeded",
	}, nil
}

// ParseWebhook decodes the payload as a JSON-encoded Event. Signature
// verification is skipped unless a function override is set.
func (m *MockProvider) ParseWebhook(payload []byte, signature string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("ParseWebhook(%s)", signature)

	if m.ParseWebhookFunc != nil {
		return m.ParseWebhookFunc(payload, signature)
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}
	ev.Raw = payload
	return &ev, nil
}

// SimulatePaymentSuccess marks a stored intent succeeded and returns the
// webhook payload a provider would deliver for it.
func (m *MockProvider) SimulatePaymentSuccess(paymentIntentID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return nil, ErrPaymentIntentNotFound
	}
	pi.Status = "succeeded"

	return json.Marshal(Event{
		ID:          "evt_" + uuid.New().String(),
		Kind:        EventPaymentSucceeded,
		ProviderRef: pi.ID,
		AmountCents: pi.AmountCents,
	})
}

// SimulatePaymentFailure marks a stored intent failed and returns the
// webhook payload a provider would deliver for it.
func (m *MockProvider) SimulatePaymentFailure(paymentIntentID, code, message string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return nil, ErrPaymentIntentNotFound
	}
	pi.Status = "requires_payment_method"
	pi.LastError = &PaymentError{Code: code, Message: message}

	return json.Marshal(Event{
		ID:             "evt_" + uuid.New().String(),
		Kind:           EventPaymentFailed,
		ProviderRef:    pi.ID,
		AmountCents:    pi.AmountCents,
		FailureCode:    code,
		FailureMessage: message,
	})
}
