package handler

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/service"
)

// RefundHandler exposes refund creation and lookup.
type RefundHandler struct {
	refunds *service.RefundProcessor
	logger  *slog.Logger
}

// NewRefundHandler creates a new refund handler
func NewRefundHandler(refunds *service.RefundProcessor, logger *slog.Logger) *RefundHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundHandler{refunds: refunds, logger: logger}
}

type createRefundRequest struct {
	PaymentID   uuid.UUID `json:"payment_id" validate:"required"`
	AmountCents int64     `json:"amount_cents" validate:"required,gt=0"`
	Reason      string    `json:"reason"`
}

// Create handles POST /payments/refunds. A provider decline still records
// the failed refund row, so the 402 body includes it.
func (h *RefundHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRefundRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, err)
		return
	}

	refund, err := h.refunds.CreateRefund(r.Context(), service.RefundRequest{
		PaymentID:   req.PaymentID,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
	})
	if err != nil {
		if refund != nil && domain.ErrorCode(err) == domain.EPAYMENT {
			RespondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
				"error": map[string]string{
					"code":    domain.EPAYMENT,
					"message": domain.ErrorMessage(err),
				},
				"refund": refund,
			})
			return
		}
		ErrorResponse(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, refund)
}

// Get handles GET /payments/refunds/{id}.
func (h *RefundHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, domain.Invalid("RefundHandler.Get", "Refund id must be a UUID"))
		return
	}

	refund, err := h.refunds.Get(r.Context(), id)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, refund)
}
