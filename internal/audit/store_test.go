package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGStoreAppendsEventAndDetailAtomically(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("insert into audit_events").
		WithArgs("ev-1", sqlmock.AnyArg(), "tenant-a", SchemaIdentity, "user",
			string(RoleHub), string(OpCreate), "system", "hub-1", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_event_details").
		WithArgs("ev-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPGStore(db)
	event := Event{
		ID:         "ev-1",
		OccurredAt: time.Now().UTC(),
		TenantKey:  "tenant-a",
		Schema:     SchemaIdentity,
		Entity:     "user",
		Role:       RoleHub,
		Op:         OpCreate,
		Actor:      "system",
		EntityKey:  "hub-1",
	}
	detail := Detail{EventID: "ev-1", After: map[string]any{"status": "active"}}

	if err := store.Append(context.Background(), event, detail); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
