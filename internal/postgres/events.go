package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/eventstore"
)

// Constraint names from the migrations, used to map unique violations to
// the matching domain error.
const (
	constraintEventVersion = "order_events_aggregate_id_version_key"
	constraintEventDedupe  = "order_events_dedupe_key_key"
	constraintIdemKey      = "orders_idempotency_key_key"
)

// EventStore implements eventstore.Store on the order_events table.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates an event store backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// insertEventTx appends one envelope inside tx at the given version. The
// unique (aggregate_id, version) index arbitrates concurrent appends; no
// row locking is needed.
func insertEventTx(ctx context.Context, tx pgx.Tx, env domain.Envelope, version int64) (domain.Envelope, error) {
	payload, err := domain.EncodeEvent(env.Event)
	if err != nil {
		return domain.Envelope{}, err
	}

	const q = `
		INSERT INTO order_events
			(id, aggregate_id, aggregate_type, version, event_type, payload, dedupe_key, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`

	env.Version = version
	_, err = tx.Exec(ctx, q,
		env.ID, env.AggregateID, env.AggregateType, env.Version,
		string(env.Event.EventType()), payload, env.DedupeKey, env.OccurredAt,
	)
	if err != nil {
		switch uniqueViolation(err) {
		case constraintEventVersion:
			return domain.Envelope{}, domain.ErrVersionConflict
		case constraintEventDedupe:
			return domain.Envelope{}, domain.ErrDuplicateEvent
		}
		return domain.Envelope{}, domain.Internal(err, "eventstore.append", "failed to append event")
	}
	return env, nil
}

func (s *EventStore) Append(ctx context.Context, env domain.Envelope, expectedVersion int64) (domain.Envelope, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Envelope{}, domain.Internal(err, "eventstore.append", "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	appended, err := insertEventTx(ctx, tx, env, expectedVersion+1)
	if err != nil {
		return domain.Envelope{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Envelope{}, domain.Internal(err, "eventstore.append", "failed to commit")
	}
	return appended, nil
}

func scanEnvelopes(rows pgx.Rows) ([]domain.Envelope, error) {
	defer rows.Close()

	var out []domain.Envelope
	for rows.Next() {
		var (
			env       domain.Envelope
			eventType string
			payload   []byte
			dedupe    *string
		)
		if err := rows.Scan(
			&env.ID, &env.AggregateID, &env.AggregateType, &env.Version,
			&eventType, &payload, &dedupe, &env.OccurredAt,
		); err != nil {
			return nil, domain.Internal(err, "eventstore.scan", "failed to scan event")
		}
		if dedupe != nil {
			env.DedupeKey = *dedupe
		}
		ev, err := domain.DecodeEvent(domain.EventType(eventType), payload)
		if err != nil {
			return nil, domain.Internal(err, "eventstore.scan", "failed to decode event")
		}
		env.Event = ev
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "eventstore.scan", "failed to read events")
	}
	return out, nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID uuid.UUID) ([]domain.Envelope, error) {
	const q = `
		SELECT id, aggregate_id, aggregate_type, version, event_type, payload, dedupe_key, occurred_at
		FROM order_events
		WHERE aggregate_id = $1
		ORDER BY version`

	rows, err := s.pool.Query(ctx, q, aggregateID)
	if err != nil {
		return nil, domain.Internal(err, "eventstore.load", "failed to load events")
	}
	return scanEnvelopes(rows)
}

func (s *EventStore) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	const q = `
		SELECT COALESCE(MAX(version), 0)
		FROM order_events
		WHERE aggregate_id = $1`

	var version int64
	if err := s.pool.QueryRow(ctx, q, aggregateID).Scan(&version); err != nil {
		return 0, domain.Internal(err, "eventstore.current_version", "failed to read head version")
	}
	return version, nil
}

func (s *EventStore) HasDedupeKey(ctx context.Context, key string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM order_events WHERE dedupe_key = $1)`

	var seen bool
	if err := s.pool.QueryRow(ctx, q, key).Scan(&seen); err != nil {
		return false, domain.Internal(err, "eventstore.has_dedupe_key", "failed to check dedupe key")
	}
	return seen, nil
}

func (s *EventStore) ListUndispatched(ctx context.Context, limit int32) ([]domain.Envelope, error) {
	const q = `
		SELECT id, aggregate_id, aggregate_type, version, event_type, payload, dedupe_key, occurred_at
		FROM order_events
		WHERE dispatched_at IS NULL
		ORDER BY occurred_at, version
		LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, domain.Internal(err, "eventstore.list_undispatched", "failed to list events")
	}
	return scanEnvelopes(rows)
}

func (s *EventStore) MarkDispatched(ctx context.Context, ids []uuid.UUID) error {
	const q = `UPDATE order_events SET dispatched_at = now() WHERE id = ANY($1)`

	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return domain.Internal(err, "eventstore.mark_dispatched", "failed to mark events dispatched")
	}
	return nil
}

func (s *EventStore) RecordDeadLetter(ctx context.Context, dl eventstore.DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.ReceivedAt.IsZero() {
		dl.ReceivedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO webhook_deadletter (id, source, dedupe_key, payload, reason, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q, dl.ID, dl.Source, dl.DedupeKey, dl.Payload, dl.Reason, dl.ReceivedAt)
	if err != nil {
		return domain.Internal(err, "eventstore.record_dead_letter", "failed to record dead letter")
	}
	return nil
}

func (s *EventStore) ListDeadLetters(ctx context.Context, limit int32) ([]eventstore.DeadLetter, error) {
	const q = `
		SELECT id, source, dedupe_key, payload, reason, received_at
		FROM webhook_deadletter
		ORDER BY received_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, domain.Internal(err, "eventstore.list_dead_letters", "failed to list dead letters")
	}
	defer rows.Close()

	var out []eventstore.DeadLetter
	for rows.Next() {
		var dl eventstore.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.Source, &dl.DedupeKey, &dl.Payload, &dl.Reason, &dl.ReceivedAt); err != nil {
			return nil, domain.Internal(err, "eventstore.list_dead_letters", "failed to scan dead letter")
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "eventstore.list_dead_letters", "failed to read dead letters")
	}
	return out, nil
}
