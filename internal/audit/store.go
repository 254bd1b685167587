package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
)

// MemoryStore is an append-only in-process event store used by tests
// and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	events  []Event
	details map[string]Detail
}

var _ EventStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{details: make(map[string]Detail)}
}

func (s *MemoryStore) Append(ctx context.Context, event Event, detail Detail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.details[event.ID] = detail
	return nil
}

// Events returns a copy of everything appended so far.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Event, len(s.events))
	copy(res, s.events)
	return res
}

// Detail returns the detail recorded for an event id.
func (s *MemoryStore) Detail(eventID string) (Detail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.details[eventID]
	return d, ok
}

// PGStore persists events in PostgreSQL, event and detail in one
// transaction.
type PGStore struct {
	db *sql.DB
}

var _ EventStore = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, event Event, detail Detail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`insert into audit_events(id, occurred_at, tenant_key, schema_name, entity_name, entity_role, op, actor, entity_key, request_id)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		event.ID, event.OccurredAt, event.TenantKey, event.Schema, event.Entity,
		string(event.Role), string(event.Op), event.Actor, event.EntityKey, event.RequestID,
	); err != nil {
		return err
	}

	before, err := json.Marshal(detail.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(detail.After)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into audit_event_details(event_id, before_state, after_state) values($1,$2,$3)`,
		event.ID, before, after,
	); err != nil {
		return err
	}
	return tx.Commit()
}
