package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/catalog"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/shipping"
	"github.com/mkarlsen/skadi/internal/tax"
	"github.com/mkarlsen/skadi/internal/telemetry"
)

// CheckoutService orchestrates the calculate / validate / confirm flow.
type CheckoutService struct {
	store    domain.OrderStore
	catalog  catalog.Catalog
	tax      tax.Calculator
	shipping shipping.RateLookup
	billing  billing.Provider
	metrics  *telemetry.BusinessMetrics
	logger   *slog.Logger

	currency string

	// priceToleranceCents is the allowed drift between the cart's quoted
	// unit price and the live catalog price before PRICE_CHANGED fires.
	priceToleranceCents int64

	// paymentRetries bounds provider initiation attempts during confirm.
	paymentRetries uint64
}

// CheckoutConfig tunes a CheckoutService.
type CheckoutConfig struct {
	Currency            string
	PriceToleranceCents int64
	PaymentRetries      uint64
}

// NewCheckoutService creates a checkout service.
func NewCheckoutService(
	store domain.OrderStore,
	cat catalog.Catalog,
	taxCalc tax.Calculator,
	rates shipping.RateLookup,
	provider billing.Provider,
	metrics *telemetry.BusinessMetrics,
	logger *slog.Logger,
	cfg CheckoutConfig,
) *CheckoutService {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.PaymentRetries == 0 {
		cfg.PaymentRetries = 3
	}
	return &CheckoutService{
		store:               store,
		catalog:             cat,
		tax:                 taxCalc,
		shipping:            rates,
		billing:             provider,
		metrics:             metrics,
		logger:              logger,
		currency:            cfg.Currency,
		priceToleranceCents: cfg.PriceToleranceCents,
		paymentRetries:      cfg.PaymentRetries,
	}
}

// Calculate prices the cart against the live catalog and returns the
// totals breakdown. It mutates nothing and reserves nothing.
func (s *CheckoutService) Calculate(ctx context.Context, cart *domain.Cart, shipTo domain.Address) (*domain.OrderTotals, error) {
	if cart == nil || cart.Empty() {
		return nil, domain.ErrEmptyCart
	}

	totals := &domain.OrderTotals{Currency: s.currency}
	for _, item := range cart.Items {
		snap, err := s.catalog.GetSnapshot(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		line := domain.QuotedLine{
			ProductID:      snap.ProductID,
			ProductName:    snap.Name,
			SKU:            snap.SKU,
			UnitPriceCents: snap.PriceCents,
			Quantity:       item.Quantity,
			LineTotalCents: snap.PriceCents * int64(item.Quantity),
		}
		totals.Lines = append(totals.Lines, line)
		totals.SubtotalCents += line.LineTotalCents
	}

	quote, err := s.shipping.Quote(ctx, shipping.Params{
		Destination: shipTo,
		ItemCount:   int32(len(cart.Items)),
	})
	if err != nil {
		return nil, err
	}
	totals.ShippingCents = quote.CostCents
	totals.ShippingService = quote.ServiceCode

	taxResult, err := s.tax.CalculateTax(ctx, tax.Params{
		Lines:           totals.Lines,
		ShippingCents:   totals.ShippingCents,
		ShippingAddress: shipTo,
	})
	if err != nil {
		return nil, err
	}
	totals.TaxCents = taxResult.TaxCents

	totals.TotalCents = totals.SubtotalCents + totals.TaxCents + totals.ShippingCents
	return totals, nil
}

// Validate checks the cart against live stock, prices, product state,
// and address completeness. It never mutates anything; a valid result is
// advisory only and can be stale by the time confirm runs.
func (s *CheckoutService) Validate(ctx context.Context, cart *domain.Cart, shipTo, billTo domain.Address) (*domain.ValidationResult, error) {
	result := &domain.ValidationResult{}

	if cart == nil || cart.Empty() {
		result.Issues = append(result.Issues, domain.Issue{
			Code:    domain.IssueEmptyCart,
			Message: "cart has no items",
		})
		return result, nil
	}

	for _, item := range cart.Items {
		snap, err := s.catalog.GetSnapshot(ctx, item.ProductID)
		if err != nil {
			if domain.IsCode(err, domain.ENOTFOUND) {
				result.Issues = append(result.Issues, domain.Issue{
					Code:      domain.IssueProductNotFound,
					ProductID: item.ProductID,
					Message:   fmt.Sprintf("product %s no longer exists", item.ProductID),
				})
				continue
			}
			return nil, err
		}

		if !snap.Active {
			result.Issues = append(result.Issues, domain.Issue{
				Code:      domain.IssueProductInactive,
				ProductID: item.ProductID,
				Message:   fmt.Sprintf("%s is no longer available", snap.Name),
			})
		}
		if snap.Stock < item.Quantity {
			result.Issues = append(result.Issues, domain.Issue{
				Code:      domain.IssueOutOfStock,
				ProductID: item.ProductID,
				Message:   fmt.Sprintf("%s has %d in stock, %d requested", snap.Name, snap.Stock, item.Quantity),
			})
		}
		if drift := snap.PriceCents - item.UnitPriceCents; drift > s.priceToleranceCents || drift < -s.priceToleranceCents {
			result.Issues = append(result.Issues, domain.Issue{
				Code:      domain.IssuePriceChanged,
				ProductID: item.ProductID,
				Message:   fmt.Sprintf("%s is now %d cents (was %d)", snap.Name, snap.PriceCents, item.UnitPriceCents),
			})
		}
	}

	if !shipTo.Complete() {
		result.Issues = append(result.Issues, domain.Issue{
			Code:    domain.IssueAddressIncomplete,
			Message: "shipping address is missing required fields",
		})
	}
	if !billTo.Complete() {
		result.Issues = append(result.Issues, domain.Issue{
			Code:    domain.IssueAddressIncomplete,
			Message: "billing address is missing required fields",
		})
	}

	result.Valid = len(result.Issues) == 0
	return result, nil
}

// Confirm turns a cart into a PENDING order. The sequence is:
// revalidate, reserve stock, create the order atomically with its
// version-1 event, initiate payment, clear the cart. A failed stock
// reservation releases everything already reserved; a failed payment
// initiation leaves the order PENDING with the cart intact for retry.
// Retried confirms with the same idempotency key return the original
// order unchanged.
func (s *CheckoutService) Confirm(ctx context.Context, customerID string, params domain.ConfirmParams) (*domain.Confirmation, error) {
	op := "checkout.confirm"

	if params.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	if params.Cart == nil || params.Cart.Empty() {
		return nil, domain.ErrEmptyCart
	}

	// Replay check before doing any work.
	if existing, err := s.store.GetOrderByIdempotencyKey(ctx, params.IdempotencyKey); err == nil {
		return s.replayConfirmation(ctx, existing, params.Cart)
	} else if !domain.IsCode(err, domain.ENOTFOUND) {
		return nil, err
	}

	validation, err := s.Validate(ctx, params.Cart, params.ShippingAddress, params.BillingAddress)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, &domain.ValidationError{Result: *validation}
	}

	// Recompute totals from the live catalog so the frozen snapshots and
	// the money invariants agree regardless of what the client sent.
	totals, err := s.Calculate(ctx, params.Cart, params.ShippingAddress)
	if err != nil {
		return nil, err
	}

	reserved, err := s.reserveStock(ctx, params.Cart)
	if err != nil {
		s.releaseStock(ctx, reserved)
		return nil, err
	}

	detail, created := s.buildOrder(customerID, params, totals)
	if err := detail.Order.CheckTotals(detail.Items); err != nil {
		s.releaseStock(ctx, reserved)
		return nil, err
	}

	if err := s.store.CreateOrder(ctx, detail, created); err != nil {
		s.releaseStock(ctx, reserved)
		if errors.Is(err, domain.ErrDuplicateEvent) {
			// Lost a race against a concurrent confirm with the same key.
			existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, params.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return &domain.Confirmation{Detail: existing, Replayed: true}, nil
		}
		return nil, err
	}

	s.logger.Info("order created",
		"op", op,
		"order_id", detail.Order.ID,
		"order_number", detail.Order.OrderNumber,
		"total_cents", detail.Order.TotalCents,
	)
	if s.metrics != nil {
		s.metrics.RecordOrderCreated(s.currency, detail.Order.TotalCents)
	}

	conf := &domain.Confirmation{Detail: detail}

	intent, err := s.initiatePayment(ctx, detail)
	if err != nil {
		// The order stays PENDING and the cart is kept so the client can
		// retry payment. The reconciler picks it up if they never do.
		s.logger.Warn("payment initiation failed, order left pending",
			"op", op,
			"order_id", detail.Order.ID,
			"error", err,
		)
		conf.PaymentPending = true
		return conf, nil
	}

	updated, err := s.store.Transition(ctx, domain.TransitionParams{
		OrderID:           detail.Order.ID,
		ExpectedVersion:   detail.Order.Version,
		PaymentExternalID: intent.ID,
		Events: []domain.Envelope{
			domain.NewEnvelope(detail.Order.ID, domain.PaymentInitiated{
				PaymentID:   detail.Payment.ID,
				ProviderRef: intent.ID,
			}),
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// A concurrent replay already recorded the intent; the
			// provider idempotency key guarantees it is the same one.
			fresh, lookupErr := s.store.GetOrder(ctx, detail.Order.ID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			updated = fresh
		} else {
			return nil, err
		}
	}
	conf.Detail = updated
	conf.ClientSecret = intent.ClientSecret
	conf.ProviderRef = intent.ID

	params.Cart.Clear()
	return conf, nil
}

// replayConfirmation returns the original confirmation for a retried
// idempotency key. A PENDING order whose payment was never initiated
// gets another initiation attempt here, so a client recovers from a
// provider outage by resubmitting the same key.
func (s *CheckoutService) replayConfirmation(ctx context.Context, detail *domain.OrderDetail, cart *domain.Cart) (*domain.Confirmation, error) {
	conf := &domain.Confirmation{Detail: detail, Replayed: true}
	if detail.Order.Status != domain.OrderPending || detail.Payment.ExternalID != "" {
		return conf, nil
	}

	intent, err := s.initiatePayment(ctx, detail)
	if err != nil {
		s.logger.Warn("payment initiation failed again on replay",
			"order_id", detail.Order.ID,
			"error", err,
		)
		conf.PaymentPending = true
		return conf, nil
	}

	updated, err := s.store.Transition(ctx, domain.TransitionParams{
		OrderID:           detail.Order.ID,
		ExpectedVersion:   detail.Order.Version,
		PaymentExternalID: intent.ID,
		Events: []domain.Envelope{
			domain.NewEnvelope(detail.Order.ID, domain.PaymentInitiated{
				PaymentID:   detail.Payment.ID,
				ProviderRef: intent.ID,
			}),
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// A concurrent replay won; return its view of the order.
			fresh, lookupErr := s.store.GetOrder(ctx, detail.Order.ID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			conf.Detail = fresh
			return conf, nil
		}
		return nil, err
	}
	conf.Detail = updated
	conf.ClientSecret = intent.ClientSecret
	conf.ProviderRef = intent.ID

	cart.Clear()
	return conf, nil
}

// reserveStock decrements each line atomically and returns what was
// reserved so a partial failure can be compensated.
func (s *CheckoutService) reserveStock(ctx context.Context, cart *domain.Cart) ([]domain.CartItem, error) {
	var reserved []domain.CartItem
	for _, item := range cart.Items {
		if err := s.catalog.DecrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			return reserved, err
		}
		reserved = append(reserved, item)
	}
	return reserved, nil
}

func (s *CheckoutService) releaseStock(ctx context.Context, items []domain.CartItem) {
	for _, item := range items {
		if err := s.catalog.ReleaseStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("failed to release reserved stock",
				"product_id", item.ProductID,
				"quantity", item.Quantity,
				"error", err,
			)
		}
	}
}

func (s *CheckoutService) buildOrder(customerID string, params domain.ConfirmParams, totals *domain.OrderTotals) (*domain.OrderDetail, domain.Envelope) {
	now := time.Now().UTC()
	orderID := uuid.New()
	paymentID := uuid.New()

	items := make([]domain.OrderItem, len(totals.Lines))
	for i, line := range totals.Lines {
		items[i] = domain.OrderItem{
			ID:             uuid.New(),
			OrderID:        orderID,
			ProductID:      line.ProductID,
			ProductName:    line.ProductName,
			SKU:            line.SKU,
			UnitPriceCents: line.UnitPriceCents,
			Quantity:       line.Quantity,
			LineTotalCents: line.LineTotalCents,
		}
	}

	order := domain.Order{
		ID:              orderID,
		OrderNumber:     generateOrderNumber(now),
		CustomerID:      customerID,
		Status:          domain.OrderPending,
		SubtotalCents:   totals.SubtotalCents,
		TaxCents:        totals.TaxCents,
		ShippingCents:   totals.ShippingCents,
		TotalCents:      totals.TotalCents,
		Currency:        totals.Currency,
		ShippingAddress: params.ShippingAddress,
		BillingAddress:  params.BillingAddress,
		IdempotencyKey:  params.IdempotencyKey,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	payment := domain.Payment{
		ID:          paymentID,
		OrderID:     orderID,
		Method:      params.PaymentMethod,
		AmountCents: totals.TotalCents,
		Currency:    totals.Currency,
		Status:      domain.PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created := domain.NewEnvelope(orderID, domain.OrderCreated{
		OrderNumber:     order.OrderNumber,
		CustomerID:      customerID,
		Items:           items,
		SubtotalCents:   order.SubtotalCents,
		TaxCents:        order.TaxCents,
		ShippingCents:   order.ShippingCents,
		TotalCents:      order.TotalCents,
		Currency:        order.Currency,
		ShippingAddress: order.ShippingAddress,
		BillingAddress:  order.BillingAddress,
		PaymentID:       paymentID,
		PaymentMethod:   payment.Method,
		IdempotencyKey:  params.IdempotencyKey,
	})
	created.OccurredAt = now

	return &domain.OrderDetail{Order: order, Items: items, Payment: payment}, created
}

// initiatePayment creates the provider payment intent with bounded
// exponential backoff. The order id doubles as the provider idempotency
// key so retries cannot double-charge.
func (s *CheckoutService) initiatePayment(ctx context.Context, detail *domain.OrderDetail) (*billing.PaymentIntent, error) {
	var intent *billing.PaymentIntent

	operation := func() error {
		var err error
		intent, err = s.billing.CreatePaymentIntent(ctx, billing.CreatePaymentIntentParams{
			OrderID:        detail.Order.ID,
			AmountCents:    detail.Order.TotalCents,
			Currency:       detail.Order.Currency,
			Description:    fmt.Sprintf("Order %s", detail.Order.OrderNumber),
			IdempotencyKey: detail.Order.ID.String(),
			Metadata:       map[string]string{"order_number": detail.Order.OrderNumber},
		})
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.paymentRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return intent, nil
}

const orderNumberAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// generateOrderNumber builds a human-readable order number, e.g.
// ORD-20260825-A3K9.
func generateOrderNumber(now time.Time) string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to the uuid package's randomness.
		copy(suffix, uuid.New().String())
	}
	for i := range suffix {
		suffix[i] = orderNumberAlphabet[int(suffix[i])%len(orderNumberAlphabet)]
	}
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}
