package handler

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/service"
)

// IdempotencyKeyHeader is the required header on confirm requests.
const IdempotencyKeyHeader = "Idempotency-Key"

// CheckoutHandler exposes the quote, validate, and confirm endpoints.
type CheckoutHandler struct {
	checkout *service.CheckoutService
	logger   *slog.Logger
}

// NewCheckoutHandler creates a new checkout handler
func NewCheckoutHandler(checkout *service.CheckoutService, logger *slog.Logger) *CheckoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutHandler{checkout: checkout, logger: logger}
}

// cartLine mirrors domain.CartItem with validation tags for request decoding.
type cartLine struct {
	ProductID      uuid.UUID `json:"product_id" validate:"required"`
	Quantity       int32     `json:"quantity" validate:"required,gt=0"`
	UnitPriceCents int64     `json:"unit_price_cents" validate:"gte=0"`
}

// cartPayload is the wire form of a cart. The session id scopes the cart
// to its owner; quoted unit prices are revalidated server-side.
type cartPayload struct {
	SessionID string     `json:"session_id" validate:"required"`
	Items     []cartLine `json:"items" validate:"required,min=1,dive"`
}

func (p cartPayload) toCart() (*domain.Cart, error) {
	cart := domain.NewCart(p.SessionID)
	for _, line := range p.Items {
		if err := cart.AddItem(line.ProductID, line.Quantity, line.UnitPriceCents); err != nil {
			return nil, err
		}
	}
	return cart, nil
}

type calculateRequest struct {
	Cart            cartPayload    `json:"cart" validate:"required"`
	ShippingAddress domain.Address `json:"shipping_address" validate:"required"`
}

// Calculate handles POST /checkout/calculate.
// Returns the full totals breakdown priced from the live catalog.
func (h *CheckoutHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	cart, err := req.Cart.toCart()
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	totals, err := h.checkout.Calculate(r.Context(), cart, req.ShippingAddress)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, totals)
}

type validateRequest struct {
	Cart            cartPayload    `json:"cart" validate:"required"`
	ShippingAddress domain.Address `json:"shipping_address"`
	BillingAddress  domain.Address `json:"billing_address"`
}

// Validate handles POST /checkout/validate.
// Always 200 with a result body; an unconfirmable cart is not an error.
func (h *CheckoutHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	cart, err := req.Cart.toCart()
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	result, err := h.checkout.Validate(r.Context(), cart, req.ShippingAddress, req.BillingAddress)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

type confirmRequest struct {
	CustomerID      string         `json:"customer_id" validate:"required"`
	Cart            cartPayload    `json:"cart" validate:"required"`
	PaymentMethod   string         `json:"payment_method"`
	ShippingAddress domain.Address `json:"shipping_address" validate:"required"`
	BillingAddress  domain.Address `json:"billing_address" validate:"required"`
}

// Confirm handles POST /checkout/confirm. The Idempotency-Key header is
// mandatory; a retried key replays the original confirmation with 200
// instead of creating a second order.
func (h *CheckoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		ErrorResponse(w, r, domain.ErrMissingIdempotencyKey)
		return
	}

	var req confirmRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	cart, err := req.Cart.toCart()
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	conf, err := h.checkout.Confirm(r.Context(), req.CustomerID, domain.ConfirmParams{
		Cart:            cart,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		IdempotencyKey:  key,
	})
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	status := http.StatusCreated
	if conf.Replayed {
		status = http.StatusOK
	}
	RespondJSON(w, status, conf)
}
