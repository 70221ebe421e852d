package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
	"github.com/stripe/stripe-go/v83/webhook"
)

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	webhookSecret string
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a Stripe billing provider. The API key is
// process-global in the Stripe SDK.
func NewStripeProvider(apiKey, webhookSecret string) (*StripeProvider, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}
	if webhookSecret == "" {
		return nil, fmt.Errorf("billing: webhook secret is required")
	}
	stripe.Key = apiKey
	return &StripeProvider{webhookSecret: webhookSecret}, nil
}

func (s *StripeProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	metadata := map[string]string{"order_id": params.OrderID.String()}
	for k, v := range params.Metadata {
		metadata[k] = v
	}

	piParams := &stripe.PaymentIntentParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(params.AmountCents),
		Currency:    stripe.String(params.Currency),
		Description: stripe.String(params.Description),
		Metadata:    metadata,
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if params.IdempotencyKey != "" {
		piParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	pi, err := paymentintent.New(piParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return fromStripeIntent(pi), nil
}

func (s *StripeProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	pi, err := paymentintent.Get(paymentIntentID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return fromStripeIntent(pi), nil
}

func (s *StripeProvider) CancelPaymentIntent(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, &stripe.PaymentIntentCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return wrapStripeError(err)
	}
	return nil
}

func (s *StripeProvider) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	refParams := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(params.PaymentRef),
		Amount:        stripe.Int64(params.AmountCents),
	}
	if params.Reason != "" {
		refParams.Metadata = map[string]string{"reason": params.Reason}
	}
	if params.IdempotencyKey != "" {
		refParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	ref, err := refund.New(refParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return &Refund{
		ID:          ref.ID,
		AmountCents: ref.Amount,
		Status:      string(ref.Status),
	}, nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the
// event. Stripe retries deliveries, so the event id must be deduplicated
// downstream.
func (s *StripeProvider) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}

	out := &Event{ID: event.ID, Kind: EventUnhandled, Raw: payload}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("billing: parse payment intent from %s: %w", event.Type, err)
		}
		out.ProviderRef = pi.ID
		out.AmountCents = pi.Amount
		switch string(event.Type) {
		case "payment_intent.succeeded":
			out.Kind = EventPaymentSucceeded
		case "payment_intent.payment_failed":
			out.Kind = EventPaymentFailed
			if pi.LastPaymentError != nil {
				out.FailureCode = string(pi.LastPaymentError.Code)
				out.FailureMessage = pi.LastPaymentError.Msg
			}
		case "payment_intent.canceled":
			out.Kind = EventPaymentCanceled
		}

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("billing: parse charge from %s: %w", event.Type, err)
		}
		out.Kind = EventRefundSucceeded
		out.AmountCents = ch.AmountRefunded
		if ch.PaymentIntent != nil {
			out.ProviderRef = ch.PaymentIntent.ID
		}
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
			out.RefundRef = ch.Refunds.Data[len(ch.Refunds.Data)-1].ID
		}
	}

	return out, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		out.LastError = &PaymentError{
			Code:        string(pi.LastPaymentError.Code),
			Message:     pi.LastPaymentError.Msg,
			DeclineCode: string(pi.LastPaymentError.DeclineCode),
		}
	}
	return out
}

func wrapStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return err
	}

	wrapped := &ProviderError{
		Message:       stripeErr.Msg,
		Code:          string(stripeErr.Code),
		DeclineCode:   string(stripeErr.DeclineCode),
		RequestID:     stripeErr.RequestID,
		OriginalError: err,
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %v", ErrPaymentIntentNotFound, wrapped)
	case stripe.ErrorCodeAmountTooSmall:
		return fmt.Errorf("%w: %v", ErrAmountTooSmall, wrapped)
	case stripe.ErrorCodeChargeAlreadyRefunded:
		return fmt.Errorf("%w: %v", ErrRefundNotAllowed, wrapped)
	}
	return wrapped
}
