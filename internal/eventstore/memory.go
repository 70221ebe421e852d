package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/skadi/internal/domain"
)

// Memory is an in-memory Store for tests and local development. All
// methods are safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	streams    map[uuid.UUID][]domain.Envelope
	dedupe     map[string]struct{}
	dispatched map[uuid.UUID]bool
	appended   []domain.Envelope
	deadLetter []DeadLetter
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory event store.
func NewMemory() *Memory {
	return &Memory{
		streams:    make(map[uuid.UUID][]domain.Envelope),
		dedupe:     make(map[string]struct{}),
		dispatched: make(map[uuid.UUID]bool),
	}
}

func (m *Memory) Append(ctx context.Context, env domain.Envelope, expectedVersion int64) (domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(env, expectedVersion)
}

// appendLocked does the append under m.mu, held by Append for single
// events and by AppendBatch across a whole batch.
func (m *Memory) appendLocked(env domain.Envelope, expectedVersion int64) (domain.Envelope, error) {
	stream := m.streams[env.AggregateID]
	head := int64(0)
	if len(stream) > 0 {
		head = stream[len(stream)-1].Version
	}
	if head != expectedVersion {
		return domain.Envelope{}, domain.ErrVersionConflict
	}
	if env.DedupeKey != "" {
		if _, seen := m.dedupe[env.DedupeKey]; seen {
			return domain.Envelope{}, domain.ErrDuplicateEvent
		}
	}

	env.Version = expectedVersion + 1
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}

	m.streams[env.AggregateID] = append(stream, env)
	m.appended = append(m.appended, env)
	if env.DedupeKey != "" {
		m.dedupe[env.DedupeKey] = struct{}{}
	}
	return env, nil
}

// AppendBatch appends envelopes sequentially from expectedVersion under a
// single critical section. On any failure nothing is kept.
func (m *Memory) AppendBatch(ctx context.Context, envs []domain.Envelope, expectedVersion int64) ([]domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Snapshot for rollback.
	var (
		aggID  uuid.UUID
		before int
	)
	if len(envs) > 0 {
		aggID = envs[0].AggregateID
		before = len(m.streams[aggID])
	}

	out := make([]domain.Envelope, 0, len(envs))
	version := expectedVersion
	for _, env := range envs {
		appended, err := m.appendLocked(env, version)
		if err != nil {
			m.streams[aggID] = m.streams[aggID][:before]
			m.appended = m.appended[:len(m.appended)-len(out)]
			for _, a := range out {
				delete(m.dedupe, a.DedupeKey)
			}
			return nil, err
		}
		out = append(out, appended)
		version = appended.Version
	}
	return out, nil
}

func (m *Memory) Load(ctx context.Context, aggregateID uuid.UUID) ([]domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[aggregateID]
	out := make([]domain.Envelope, len(stream))
	copy(out, stream)
	return out, nil
}

func (m *Memory) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[aggregateID]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Version, nil
}

func (m *Memory) HasDedupeKey(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, seen := m.dedupe[key]
	return seen, nil
}

func (m *Memory) ListUndispatched(ctx context.Context, limit int32) ([]domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Envelope
	for _, env := range m.appended {
		if m.dispatched[env.ID] {
			continue
		}
		out = append(out, env)
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDispatched(ctx context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		m.dispatched[id] = true
	}
	return nil
}

func (m *Memory) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.ReceivedAt.IsZero() {
		dl.ReceivedAt = time.Now().UTC()
	}
	m.deadLetter = append(m.deadLetter, dl)
	return nil
}

func (m *Memory) ListDeadLetters(ctx context.Context, limit int32) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeadLetter, len(m.deadLetter))
	copy(out, m.deadLetter)
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}
