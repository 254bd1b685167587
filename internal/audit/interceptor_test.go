package audit

import (
	"context"
	"strings"
	"testing"

	"tessera.org/internal/vault"
)

func newAuditedStore(t *testing.T) (*StoreInterceptor, *MemoryStore) {
	t.Helper()
	inner := vault.NewInMemory()
	registry := NewRegistry()
	RegisterIdentityFamilies(registry, inner)
	sink := NewMemoryStore()
	return NewStoreInterceptor(inner, NewDispatcher(sink, registry)), sink
}

func lastEvent(t *testing.T, sink *MemoryStore) Event {
	t.Helper()
	events := sink.Events()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	return events[len(events)-1]
}

func TestInterceptorAuditsHubLifecycle(t *testing.T) {
	store, sink := newAuditedStore(t)
	ctx := WithActor(context.Background(), "provisioner")

	hub, err := store.CreateHub(ctx, vault.EntityUser, "tenant-a", "u1", "test")
	if err != nil {
		t.Fatalf("CreateHub: %v", err)
	}
	ev := lastEvent(t, sink)
	if ev.Entity != vault.EntityUser || ev.Op != OpCreate || ev.Role != RoleHub {
		t.Fatalf("unexpected hub event: %+v", ev)
	}
	if ev.TenantKey != "tenant-a" || ev.Actor != "provisioner" {
		t.Fatalf("event attribution wrong: %+v", ev)
	}

	// Idempotent re-create is not a mutation.
	before := len(sink.Events())
	if _, err := store.CreateHub(ctx, vault.EntityUser, "tenant-a", "u1", "test"); err != nil {
		t.Fatalf("CreateHub again: %v", err)
	}
	if len(sink.Events()) != before {
		t.Fatal("idempotent re-create produced an event")
	}

	// First version is a satellite create, the second an update.
	if _, _, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "active"}, "test"); err != nil {
		t.Fatalf("WriteVersion: %v", err)
	}
	ev = lastEvent(t, sink)
	if ev.Entity != vault.EntityUser+"_history" || ev.Op != OpCreate || ev.Role != RoleSatellite {
		t.Fatalf("unexpected first-version event: %+v", ev)
	}
	if ev.TenantKey != "tenant-a" {
		t.Fatalf("satellite tenant not resolved through hub: %+v", ev)
	}

	if _, _, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "locked"}, "test"); err != nil {
		t.Fatalf("WriteVersion: %v", err)
	}
	ev = lastEvent(t, sink)
	if ev.Op != OpUpdate {
		t.Fatalf("expected update event, got %+v", ev)
	}
	detail, ok := sink.Detail(ev.ID)
	if !ok || detail.Before["status"] != "active" || detail.After["status"] != "locked" {
		t.Fatalf("before/after missing: %+v", detail)
	}

	// No-op write produces no event.
	before = len(sink.Events())
	if _, _, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "locked"}, "test"); err != nil {
		t.Fatalf("WriteVersion no-op: %v", err)
	}
	if len(sink.Events()) != before {
		t.Fatal("no-op write produced an event")
	}

	if _, err := store.CloseCurrent(ctx, hub.Key, "test"); err != nil {
		t.Fatalf("CloseCurrent: %v", err)
	}
	ev = lastEvent(t, sink)
	if ev.Op != OpDelete {
		t.Fatalf("expected delete event, got %+v", ev)
	}
}

func TestInterceptorAuditsLinks(t *testing.T) {
	store, sink := newAuditedStore(t)
	ctx := context.Background()

	user, _ := store.CreateHub(ctx, vault.EntityUser, "tenant-a", "u1", "test")
	session, _ := store.CreateHub(ctx, vault.EntitySession, "tenant-a", "s1", "test")

	link, err := store.CreateLink(ctx, vault.LinkUserSession, "tenant-a", user.Key, session.Key, "test")
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	ev := lastEvent(t, sink)
	if ev.Entity != vault.LinkUserSession || ev.Role != RoleLink || ev.TenantKey != "tenant-a" {
		t.Fatalf("unexpected link event: %+v", ev)
	}

	if err := store.CloseLink(ctx, link.Key, "test"); err != nil {
		t.Fatalf("CloseLink: %v", err)
	}
	ev = lastEvent(t, sink)
	if ev.Op != OpDelete || ev.EntityKey != link.Key {
		t.Fatalf("unexpected link close event: %+v", ev)
	}
}

func TestInterceptorBatchAuditsOnlyWrittenVersions(t *testing.T) {
	store, sink := newAuditedStore(t)
	ctx := context.Background()

	h1, _ := store.CreateHub(ctx, vault.EntityToken, "tenant-a", "t1", "test")
	h2, _ := store.CreateHub(ctx, vault.EntityToken, "tenant-a", "t2", "test")
	if _, _, err := store.WriteVersion(ctx, h1.Key, map[string]any{"status": "active"}, "test"); err != nil {
		t.Fatalf("seed h1: %v", err)
	}
	if _, _, err := store.WriteVersion(ctx, h2.Key, map[string]any{"status": "expired"}, "test"); err != nil {
		t.Fatalf("seed h2: %v", err)
	}

	before := len(sink.Events())
	written, err := store.WriteVersionBatch(ctx, []vault.VersionWrite{
		{HubKey: h1.Key, Attributes: map[string]any{"status": "expired"}, RecordSource: "test"},
		{HubKey: h2.Key, Attributes: map[string]any{"status": "expired"}, RecordSource: "test"},
	})
	if err != nil {
		t.Fatalf("WriteVersionBatch: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected 1 written, got %d", written)
	}
	if got := len(sink.Events()) - before; got != 1 {
		t.Fatalf("expected 1 batch event, got %d", got)
	}
}

// Forcing the audit sink to fail must not prevent the triggering
// mutation from committing, and must leave exactly one diagnostic.
func TestAuditFailureDoesNotBlockMutation(t *testing.T) {
	buf := captureLog(t)

	inner := vault.NewInMemory()
	registry := NewRegistry()
	RegisterIdentityFamilies(registry, inner)
	store := NewStoreInterceptor(inner, NewDispatcher(&failingEventStore{}, registry))
	ctx := context.Background()

	hub, err := store.CreateHub(ctx, vault.EntityUser, "tenant-a", "u1", "test")
	if err != nil {
		t.Fatalf("CreateHub must commit despite audit failure: %v", err)
	}
	if _, err := inner.GetHub(ctx, hub.Key); err != nil {
		t.Fatalf("hub not persisted: %v", err)
	}
	if n := strings.Count(buf.String(), `"audit_failure"`); n != 1 {
		t.Fatalf("expected exactly one diagnostic record, got %d", n)
	}

	buf.Reset()
	if _, _, err := store.WriteVersionIf(ctx, hub.Key, "", map[string]any{"status": "pending"}, "test"); err != nil {
		t.Fatalf("WriteVersionIf must commit despite audit failure: %v", err)
	}
	if n := strings.Count(buf.String(), `"audit_failure"`); n != 1 {
		t.Fatalf("expected exactly one diagnostic record, got %d", n)
	}

	buf.Reset()
	if _, written, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "active"}, "test"); err != nil || !written {
		t.Fatalf("WriteVersion must commit despite audit failure: written=%v err=%v", written, err)
	}
	if current, err := inner.ReadCurrent(ctx, hub.Key); err != nil || current.Attributes["status"] != "active" {
		t.Fatalf("version not persisted: %+v, %v", current, err)
	}
	if n := strings.Count(buf.String(), `"audit_failure"`); n != 1 {
		t.Fatalf("expected exactly one diagnostic record, got %d", n)
	}
}

// Under Propagate the interceptor surfaces the dispatch failure to the
// caller; the triggering mutation has committed by then either way.
func TestInterceptorPropagatesAuditFailure(t *testing.T) {
	inner := vault.NewInMemory()
	registry := NewRegistry()
	RegisterIdentityFamilies(registry, inner)
	dispatcher := NewDispatcher(&failingEventStore{}, registry, WithFailurePolicy(Propagate))
	store := NewStoreInterceptor(inner, dispatcher)
	ctx := context.Background()

	hub, err := store.CreateHub(ctx, vault.EntityUser, "tenant-a", "u1", "test")
	if err == nil {
		t.Fatal("expected the sink failure to surface")
	}
	if _, gerr := inner.GetHub(ctx, hub.Key); gerr != nil {
		t.Fatalf("mutation must still commit: %v", gerr)
	}

	if _, _, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "active"}, "test"); err == nil {
		t.Fatal("expected the sink failure to surface on version write")
	}
	if current, rerr := inner.ReadCurrent(ctx, hub.Key); rerr != nil || current.Attributes["status"] != "active" {
		t.Fatalf("version not persisted: %+v, %v", current, rerr)
	}
}
