package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig holds configuration for Sentry error tracking.
type SentryConfig struct {
	// DSN is the Sentry Data Source Name (required if Enabled is true).
	DSN string

	// Enabled controls whether Sentry is active.
	Enabled bool

	// Environment identifies the deployment environment (dev, staging, prod).
	Environment string

	// Release is the application version identifier.
	Release string

	// SampleRate controls the percentage of errors to capture (0.0 to 1.0).
	// Default: 1.0.
	SampleRate float64
}

// InitSentry initializes Sentry. Returns a cleanup function to call on
// shutdown; it is a no-op when Sentry is disabled.
func InitSentry(cfg SentryConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		logger.Info("sentry disabled")
		return func() {}, nil
	}
	if cfg.DSN == "" {
		logger.Warn("sentry DSN not configured, disabling error tracking")
		return func() {}, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  sampleRate,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("sentry initialized", "environment", cfg.Environment)
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CaptureError reports an error to Sentry with the request's hub when
// one is attached to the context.
func CaptureError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}
