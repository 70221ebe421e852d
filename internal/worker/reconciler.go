package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/service"
	"github.com/mkarlsen/skadi/internal/telemetry"
)

// Config holds reconciler configuration
type Config struct {
	// Interval is how often to sweep for stale pending payments
	Interval time.Duration

	// PendingWindow is how long a pending payment may sit before the
	// reconciler asks the provider what actually happened
	PendingWindow time.Duration

	// CancelAfter is how long a payment may stay unresolved before its
	// pending order is auto-cancelled and the stock released
	CancelAfter time.Duration
}

// Reconciler sweeps payments stuck in PENDING. Webhook deliveries get
// lost, so the sweep asks the provider for the intent's real state and
// feeds the answer through the same dedupe path the webhook handler
// uses. Orders whose payment never resolves are cancelled once the
// cancel window passes.
type Reconciler struct {
	store    domain.OrderStore
	provider billing.Provider
	payments *service.PaymentService
	orders   *service.OrderService
	metrics  *telemetry.BusinessMetrics
	logger   *slog.Logger
	config   Config
}

// NewReconciler creates a new payment reconciler
func NewReconciler(
	store domain.OrderStore,
	provider billing.Provider,
	payments *service.PaymentService,
	orders *service.OrderService,
	metrics *telemetry.BusinessMetrics,
	logger *slog.Logger,
	config Config,
) *Reconciler {
	if config.Interval == 0 {
		config.Interval = time.Minute
	}
	if config.PendingWindow == 0 {
		config.PendingWindow = 15 * time.Minute
	}
	if config.CancelAfter == 0 {
		config.CancelAfter = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		provider: provider,
		payments: payments,
		orders:   orders,
		metrics:  metrics,
		logger:   logger,
		config:   config,
	}
}

// Start sweeps until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("reconciler starting",
		"interval", r.config.Interval,
		"pending_window", r.config.PendingWindow,
		"cancel_after", r.config.CancelAfter,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconcile sweep failed", "error", err)
				telemetry.CaptureError(ctx, err)
			}
		}
	}
}

// RunOnce performs a single sweep.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if r.metrics != nil {
		r.metrics.ReconcileRuns.Inc()
	}

	now := time.Now().UTC()
	stale, err := r.store.ListStalePendingPayments(ctx, now.Add(-r.config.PendingWindow))
	if err != nil {
		return err
	}

	for _, payment := range stale {
		if err := r.reconcile(ctx, payment, now); err != nil {
			r.logger.Error("reconcile failed",
				"payment_id", payment.ID,
				"order_id", payment.OrderID,
				"error", err,
			)
		}
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, payment domain.Payment, now time.Time) error {
	// No intent was ever created: initiation failed and the client never
	// retried. Nothing to ask the provider; cancel once the window passes.
	if payment.ExternalID == "" {
		return r.cancelIfExpired(ctx, payment, now)
	}

	pi, err := r.provider.GetPaymentIntent(ctx, payment.ExternalID)
	if err != nil {
		if errors.Is(err, billing.ErrPaymentIntentNotFound) {
			return r.cancelIfExpired(ctx, payment, now)
		}
		return err
	}

	switch {
	case pi.Succeeded():
		return r.apply(ctx, &billing.Event{
			ID:          pi.ID + ":succeeded",
			Kind:        billing.EventPaymentSucceeded,
			ProviderRef: pi.ID,
			AmountCents: pi.AmountCents,
		}, "captured")

	case pi.Canceled():
		return r.apply(ctx, &billing.Event{
			ID:          pi.ID + ":canceled",
			Kind:        billing.EventPaymentCanceled,
			ProviderRef: pi.ID,
		}, "cancelled")

	case pi.LastError != nil:
		return r.apply(ctx, &billing.Event{
			ID:             pi.ID + ":failed",
			Kind:           billing.EventPaymentFailed,
			ProviderRef:    pi.ID,
			FailureCode:    pi.LastError.Code,
			FailureMessage: pi.LastError.Message,
		}, "failed")

	default:
		// Still awaiting the customer. Give up once the cancel window
		// passes; cancellation voids the intent and releases the stock.
		return r.cancelIfExpired(ctx, payment, now)
	}
}

// apply feeds a synthesized provider event through the shared webhook
// path. The deterministic event id makes repeated sweeps dedupe.
func (r *Reconciler) apply(ctx context.Context, ev *billing.Event, outcome string) error {
	if err := r.payments.ApplyProviderEvent(ctx, "stripe", ev); err != nil {
		return err
	}
	r.logger.Info("stale payment resolved",
		"provider_ref", ev.ProviderRef,
		"outcome", outcome,
	)
	if r.metrics != nil {
		r.metrics.ReconcileResolved.WithLabelValues(outcome).Inc()
	}
	return nil
}

func (r *Reconciler) cancelIfExpired(ctx context.Context, payment domain.Payment, now time.Time) error {
	if payment.CreatedAt.After(now.Add(-r.config.CancelAfter)) {
		return nil
	}

	_, err := r.orders.Transition(ctx, payment.OrderID, domain.OrderCancelled, "reconciler", "payment window expired")
	if err != nil {
		// The order moved on under us; the next sweep will see the
		// payment's new status.
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrStateConflict) {
			return nil
		}
		return err
	}

	r.logger.Info("stale pending order cancelled",
		"order_id", payment.OrderID,
		"payment_id", payment.ID,
	)
	if r.metrics != nil {
		r.metrics.StaleOrdersCancelled.Inc()
	}
	return nil
}
