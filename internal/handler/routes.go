package handler

import (
	"net/http"

	"github.com/mkarlsen/skadi/internal/router"
)

// Register mounts all API routes on the router.
func Register(r *router.Router, checkout *CheckoutHandler, orders *OrderHandler, refunds *RefundHandler, webhooks *WebhookHandler) {
	r.Post("/checkout/calculate", checkout.Calculate)
	r.Post("/checkout/validate", checkout.Validate)
	r.Post("/checkout/confirm", checkout.Confirm)

	r.Get("/orders/{id}", orders.Get)
	r.Get("/orders", orders.List)
	r.Post("/orders/{id}/transition", orders.Transition)

	r.Post("/payments/refunds", refunds.Create)
	r.Get("/payments/refunds/{id}", refunds.Get)
	r.Post("/payments/webhook/stripe", webhooks.HandleStripe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
