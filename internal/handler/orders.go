package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/service"
)

// OrderHandler exposes order lookup, listing, and fulfillment transitions.
type OrderHandler struct {
	orders *service.OrderService
	logger *slog.Logger
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orders *service.OrderService, logger *slog.Logger) *OrderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderHandler{orders: orders, logger: logger}
}

// Get handles GET /orders/{id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, domain.Invalid("OrderHandler.Get", "Order id must be a UUID"))
		return
	}

	detail, err := h.orders.Get(r.Context(), id)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, detail)
}

// List handles GET /orders?status=&limit=&offset=.
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter domain.OrderFilter

	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.OrderStatus(s)
		filter.Status = &status
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n < 1 {
			ErrorResponse(w, r, domain.Invalid("OrderHandler.List", "limit must be a positive integer"))
			return
		}
		filter.Limit = int32(n)
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n < 0 {
			ErrorResponse(w, r, domain.Invalid("OrderHandler.List", "offset must be a non-negative integer"))
			return
		}
		filter.Offset = int32(n)
	}

	orders, err := h.orders.List(r.Context(), filter)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

type transitionRequest struct {
	Status domain.OrderStatus `json:"status" validate:"required"`
	Actor  string             `json:"actor" validate:"required"`
	Reason string             `json:"reason"`
}

// Transition handles POST /orders/{id}/transition.
// Illegal edges come back as 409 without touching the order.
func (h *OrderHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, domain.Invalid("OrderHandler.Transition", "Order id must be a UUID"))
		return
	}

	var req transitionRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	detail, err := h.orders.Transition(r.Context(), id, req.Status, req.Actor, req.Reason)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, detail)
}
