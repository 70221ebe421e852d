package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/eventstore"
	"github.com/mkarlsen/skadi/internal/service"
	"github.com/mkarlsen/skadi/internal/telemetry"
)

// maxWebhookBody caps webhook payload size. Stripe events are far below this.
const maxWebhookBody = 1 << 16

// WebhookHandler receives provider webhook deliveries and feeds them to
// the payment service. A delivery that verifies and parses is always
// acknowledged with 200, even when downstream processing fails; failed
// payloads go to the dead letter store for operator replay instead of
// bouncing back into the provider's retry loop.
type WebhookHandler struct {
	provider billing.Provider
	payments *service.PaymentService
	events   eventstore.Store
	metrics  *telemetry.BusinessMetrics
	logger   *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(
	provider billing.Provider,
	payments *service.PaymentService,
	events eventstore.Store,
	metrics *telemetry.BusinessMetrics,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		provider: provider,
		payments: payments,
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleStripe handles POST /payments/webhook/stripe.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	logger := loggerOr(r, h.logger)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		ErrorResponse(w, r, domain.Invalid("WebhookHandler.HandleStripe", "Error reading request body"))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		ErrorResponse(w, r, domain.Invalid("WebhookHandler.HandleStripe", "Missing Stripe-Signature header"))
		return
	}

	ev, err := h.provider.ParseWebhook(payload, signature)
	if err != nil {
		logger.Warn("webhook signature verification failed", "error", err)
		ErrorResponse(w, r, domain.Invalid("WebhookHandler.HandleStripe", "Invalid webhook signature"))
		return
	}

	if h.metrics != nil {
		h.metrics.WebhookReceived.WithLabelValues("stripe", string(ev.Kind)).Inc()
	}

	if ev.Kind == billing.EventUnhandled {
		logger.Debug("ignoring unhandled webhook event", "event_id", ev.ID)
		RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := h.payments.ApplyProviderEvent(r.Context(), "stripe", ev); err != nil {
		logger.Error("webhook processing failed, dead-lettering",
			"event_id", ev.ID,
			"kind", ev.Kind,
			"provider_ref", ev.ProviderRef,
			"error", err,
		)
		h.deadLetter(r, payload, ev, err)
	}

	// The delivery itself was valid. Acknowledge so the provider stops
	// retrying; failed payloads are replayed from the dead letter store.
	RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) deadLetter(r *http.Request, payload []byte, ev *billing.Event, cause error) {
	dl := eventstore.DeadLetter{
		Source:    "stripe",
		DedupeKey: service.DedupeKey("stripe", ev.ID),
		Payload:   payload,
		Reason:    cause.Error(),
	}
	if err := h.events.RecordDeadLetter(r.Context(), dl); err != nil {
		loggerOr(r, h.logger).Error("dead letter write failed", "event_id", ev.ID, "error", err)
		telemetry.CaptureError(r.Context(), err)
		return
	}
	if h.metrics != nil {
		h.metrics.WebhookDeadLetter.WithLabelValues("stripe").Inc()
	}
}
