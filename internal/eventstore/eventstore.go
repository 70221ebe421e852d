package eventstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
)

// DeadLetter records an external event that repeatedly failed processing.
// It is kept for operator inspection, never retried automatically.
type DeadLetter struct {
	ID         uuid.UUID `json:"id"`
	Source     string    `json:"source"`
	DedupeKey  string    `json:"dedupe_key"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store is the append-only event log for order aggregates. Appended rows
// double as the transactional outbox: the relay publishes undispatched
// rows and marks them dispatched, so at-least-once delivery needs no
// second table.
type Store interface {
	// Append writes one envelope at expectedVersion+1. It fails with
	// domain.ErrVersionConflict when the aggregate head is not
	// expectedVersion, and with domain.ErrDuplicateEvent when the
	// envelope's dedupe key was already recorded. Returns the envelope
	// with its assigned version.
	Append(ctx context.Context, env domain.Envelope, expectedVersion int64) (domain.Envelope, error)

	// Load returns all events for an aggregate in version order.
	Load(ctx context.Context, aggregateID uuid.UUID) ([]domain.Envelope, error)

	// CurrentVersion returns the aggregate head, 0 when no events exist.
	CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error)

	// HasDedupeKey reports whether a dedupe key has been recorded. Used to
	// short-circuit duplicate provider deliveries before any work.
	HasDedupeKey(ctx context.Context, key string) (bool, error)

	// ListUndispatched returns events not yet relayed, oldest first.
	ListUndispatched(ctx context.Context, limit int32) ([]domain.Envelope, error)

	// MarkDispatched stamps events as relayed.
	MarkDispatched(ctx context.Context, ids []uuid.UUID) error

	// RecordDeadLetter stores a failed external event for inspection.
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error

	// ListDeadLetters returns recorded dead letters, newest first.
	ListDeadLetters(ctx context.Context, limit int32) ([]DeadLetter, error)
}
