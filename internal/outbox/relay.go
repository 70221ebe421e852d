package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/eventstore"
	"github.com/mkarlsen/skadi/internal/telemetry"
)

// Publisher is the subset of a NATS connection the relay needs.
// *nats.Conn satisfies it directly.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds relay configuration
type Config struct {
	// Interval is how often to poll for undispatched events
	Interval time.Duration

	// BatchSize is the maximum events relayed per poll
	BatchSize int32

	// SubjectPrefix is prepended to the event type to form the subject,
	// e.g. "orders.events" + "order.created"
	SubjectPrefix string
}

// Relay drains the transactional outbox. Order events are appended in the
// same transaction as the row writes; the relay publishes the undispatched
// tail to NATS and stamps it dispatched. Delivery is at least once, so
// consumers dedupe on the event id.
type Relay struct {
	events  eventstore.Store
	pub     Publisher
	metrics *telemetry.BusinessMetrics
	logger  *slog.Logger
	config  Config
}

// NewRelay creates a new outbox relay
func NewRelay(events eventstore.Store, pub Publisher, metrics *telemetry.BusinessMetrics, logger *slog.Logger, config Config) *Relay {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "orders.events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		events:  events,
		pub:     pub,
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

// Start polls until the context is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		"interval", r.config.Interval,
		"batch_size", r.config.BatchSize,
		"subject_prefix", r.config.SubjectPrefix,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("outbox poll failed", "error", err)
			}
		}
	}
}

// RunOnce relays one batch and returns how many events were dispatched.
// Events that fail to publish stay undispatched and are retried on the
// next poll; everything published is marked in one call.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	batch, err := r.events.ListUndispatched(ctx, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list undispatched: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	dispatched := make([]uuid.UUID, 0, len(batch))
	for _, env := range batch {
		if err := r.publish(env); err != nil {
			r.logger.Error("publish failed",
				"event_id", env.ID,
				"aggregate_id", env.AggregateID,
				"event_type", env.Event.EventType(),
				"error", err,
			)
			if r.metrics != nil {
				r.metrics.DispatchFailures.WithLabelValues(string(env.Event.EventType())).Inc()
			}
			// Stop at the first failure to preserve per-aggregate order.
			break
		}
		dispatched = append(dispatched, env.ID)
		if r.metrics != nil {
			r.metrics.EventsDispatched.WithLabelValues(string(env.Event.EventType())).Inc()
		}
	}

	if len(dispatched) == 0 {
		return 0, nil
	}
	if err := r.events.MarkDispatched(ctx, dispatched); err != nil {
		return len(dispatched), fmt.Errorf("mark dispatched: %w", err)
	}
	return len(dispatched), nil
}

// message is the wire form of a relayed event.
type message struct {
	EventID       uuid.UUID        `json:"event_id"`
	AggregateID   uuid.UUID        `json:"aggregate_id"`
	AggregateType string           `json:"aggregate_type"`
	Version       int64            `json:"version"`
	EventType     domain.EventType `json:"event_type"`
	OccurredAt    time.Time        `json:"occurred_at"`
	Payload       json.RawMessage  `json:"payload"`
}

func (r *Relay) publish(env domain.Envelope) error {
	payload, err := domain.EncodeEvent(env.Event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", env.ID, err)
	}
	data, err := json.Marshal(message{
		EventID:       env.ID,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		Version:       env.Version,
		EventType:     env.Event.EventType(),
		OccurredAt:    env.OccurredAt,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", env.ID, err)
	}

	subject := r.config.SubjectPrefix + "." + string(env.Event.EventType())
	return r.pub.Publish(subject, data)
}
