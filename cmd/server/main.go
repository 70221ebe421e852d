package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"

	"github.com/mkarlsen/skadi/internal"
	"github.com/mkarlsen/skadi/internal/billing"
	"github.com/mkarlsen/skadi/internal/catalog"
	"github.com/mkarlsen/skadi/internal/handler"
	"github.com/mkarlsen/skadi/internal/middleware"
	"github.com/mkarlsen/skadi/internal/outbox"
	"github.com/mkarlsen/skadi/internal/postgres"
	"github.com/mkarlsen/skadi/internal/router"
	"github.com/mkarlsen/skadi/internal/service"
	"github.com/mkarlsen/skadi/internal/shipping"
	"github.com/mkarlsen/skadi/internal/tax"
	"github.com/mkarlsen/skadi/internal/telemetry"
	"github.com/mkarlsen/skadi/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize Sentry error tracking
	flushSentry, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:         cfg.Sentry.DSN,
		Enabled:     cfg.Sentry.Enabled,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
		SampleRate:  cfg.Sentry.SampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer flushSentry()

	// Run migrations over database/sql, then hand the app a pgx pool
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Stores
	events := postgres.NewEventStore(pool)
	store := postgres.NewOrders(pool)
	cat := catalog.NewPostgres(pool)

	// Billing provider
	billingProvider, err := billing.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info("Stripe billing provider initialized")

	// Tax and shipping
	var taxCalc tax.Calculator
	if cfg.Checkout.TaxRate > 0 {
		taxCalc, err = tax.NewPercentageCalculator(cfg.Checkout.TaxRate)
		if err != nil {
			return fmt.Errorf("failed to initialize tax calculator: %w", err)
		}
	} else {
		taxCalc = tax.NewNoTaxCalculator()
	}
	rates := shipping.NewFlatRateProvider([]shipping.FlatRate{
		{ServiceName: "Standard Shipping", ServiceCode: "standard", CostCents: cfg.Checkout.FlatRateCents, DaysMin: 3, DaysMax: 7},
	})

	// Telemetry
	metrics := telemetry.NewBusinessMetrics("skadi")
	httpMetrics := middleware.NewMetrics("skadi")

	// Services
	checkoutService := service.NewCheckoutService(store, cat, taxCalc, rates, billingProvider, metrics, logger, service.CheckoutConfig{
		Currency:            cfg.Checkout.Currency,
		PriceToleranceCents: cfg.Checkout.PriceToleranceCents,
	})
	orderService := service.NewOrderService(store, events, cat, billingProvider, metrics, logger)
	paymentService := service.NewPaymentService(store, events, cat, metrics, logger)
	refundService := service.NewRefundProcessor(store, billingProvider, metrics, logger)

	// Router
	r := router.New(
		middleware.RequestID,
		httpMetrics.Middleware,
		middleware.WithRequestLogger(logger),
		middleware.Recover,
	)
	handler.Register(r,
		handler.NewCheckoutHandler(checkoutService, logger),
		handler.NewOrderHandler(orderService, logger),
		handler.NewRefundHandler(refundService, logger),
		handler.NewWebhookHandler(billingProvider, paymentService, events, metrics, logger),
	)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		httpMetrics.Handler().ServeHTTP(w, req)
	})

	// Outbox relay, when a broker is configured
	if cfg.NatsUrl != "" {
		nc, err := nats.Connect(cfg.NatsUrl, nats.Name("skadi"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Drain()

		relay := outbox.NewRelay(events, nc, metrics, logger, outbox.Config{
			Interval:      cfg.Outbox.Interval,
			BatchSize:     int32(cfg.Outbox.BatchSize),
			SubjectPrefix: cfg.Outbox.SubjectPrefix,
		})
		go func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox relay stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("NATS_URL not set, outbox relay disabled")
	}

	// Payment reconciler
	reconciler := worker.NewReconciler(store, billingProvider, paymentService, orderService, metrics, logger, worker.Config{
		Interval:      cfg.Reconcile.Interval,
		PendingWindow: cfg.Reconcile.PendingWindow,
		CancelAfter:   cfg.Reconcile.CancelAfter,
	})
	go func() {
		if err := reconciler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	// HTTP server with graceful shutdown
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
