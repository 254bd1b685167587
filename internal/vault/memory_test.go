package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateHubIdempotent(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	first, err := store.CreateHub(ctx, EntityUser, "tenant-a", "alice@example.com", "test")
	if err != nil {
		t.Fatalf("CreateHub: %v", err)
	}
	second, err := store.CreateHub(ctx, EntityUser, "tenant-a", "alice@example.com", "test")
	if err != nil {
		t.Fatalf("CreateHub again: %v", err)
	}
	if first.Key != second.Key {
		t.Fatalf("expected same key, got %s and %s", first.Key, second.Key)
	}
	hubs, err := store.HubsByType(ctx, EntityUser)
	if err != nil {
		t.Fatalf("HubsByType: %v", err)
	}
	if len(hubs) != 1 {
		t.Fatalf("expected 1 hub, got %d", len(hubs))
	}
}

func TestWriteVersionClosesPrior(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	hub, err := store.CreateHub(ctx, EntitySession, "tenant-a", "s1", "test")
	if err != nil {
		t.Fatalf("CreateHub: %v", err)
	}
	if _, written, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "active"}, "test"); err != nil || !written {
		t.Fatalf("first write: written=%v err=%v", written, err)
	}
	if _, written, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "revoked"}, "test"); err != nil || !written {
		t.Fatalf("second write: written=%v err=%v", written, err)
	}

	history, err := store.History(ctx, hub.Key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	if history[0].Open() {
		t.Fatal("first version should be closed")
	}
	if !history[1].Open() {
		t.Fatal("second version should be open")
	}

	current, err := store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		t.Fatalf("ReadCurrent: %v", err)
	}
	if current.Attributes["status"] != "revoked" {
		t.Fatalf("unexpected current status: %v", current.Attributes["status"])
	}
}

func TestWriteVersionSkipsIdenticalAttributes(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	hub, _ := store.CreateHub(ctx, EntitySession, "tenant-a", "s1", "test")
	attrs := map[string]any{"status": "active", "ip": "10.0.0.1"}
	if _, written, err := store.WriteVersion(ctx, hub.Key, attrs, "test"); err != nil || !written {
		t.Fatalf("first write: written=%v err=%v", written, err)
	}
	// Same attributes in a different insertion order must be a no-op.
	dup := map[string]any{"ip": "10.0.0.1", "status": "active"}
	if _, written, err := store.WriteVersion(ctx, hub.Key, dup, "test"); err != nil || written {
		t.Fatalf("duplicate write: written=%v err=%v", written, err)
	}

	history, _ := store.History(ctx, hub.Key)
	if len(history) != 1 {
		t.Fatalf("expected 1 version after duplicate write, got %d", len(history))
	}
}

func TestReadCurrentErrors(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	if _, err := store.ReadCurrent(ctx, "unknown"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	hub, _ := store.CreateHub(ctx, EntityToken, "tenant-a", "t1", "test")
	if _, err := store.ReadCurrent(ctx, hub.Key); err != ErrNoActiveVersion {
		t.Fatalf("expected ErrNoActiveVersion before first write, got %v", err)
	}

	if _, _, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "active"}, "test"); err != nil {
		t.Fatalf("WriteVersion: %v", err)
	}
	if _, err := store.CloseCurrent(ctx, hub.Key, "test"); err != nil {
		t.Fatalf("CloseCurrent: %v", err)
	}
	if _, err := store.ReadCurrent(ctx, hub.Key); err != ErrNoActiveVersion {
		t.Fatalf("expected ErrNoActiveVersion after close, got %v", err)
	}
	if _, err := store.CloseCurrent(ctx, hub.Key, "test"); err != ErrNoActiveVersion {
		t.Fatalf("expected ErrNoActiveVersion on double close, got %v", err)
	}
}

func TestSingleActiveVersionUnderConcurrency(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	hub, _ := store.CreateHub(ctx, EntityTracking, "tenant-a", "ip:10.0.0.1", "test")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, _ = store.WriteVersion(ctx, hub.Key, map[string]any{"count": n}, "test")
		}(i)
	}
	wg.Wait()

	history, err := store.History(ctx, hub.Key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	open := 0
	for _, v := range history {
		if v.Open() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open version, got %d of %d", open, len(history))
	}
	// Versions must form a contiguous, ordered chain.
	for i := 1; i < len(history); i++ {
		if history[i-1].ValidTo == nil {
			t.Fatalf("version %d is open but not last", i-1)
		}
		if history[i].ValidFrom.Before(history[i-1].ValidFrom) {
			t.Fatalf("versions out of order at %d", i)
		}
	}
}

func TestWriteVersionBatch(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	var writes []VersionWrite
	for _, key := range []string{"t1", "t2", "t3"} {
		hub, _ := store.CreateHub(ctx, EntityToken, "tenant-a", key, "test")
		if _, _, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "active"}, "test"); err != nil {
			t.Fatalf("seed write: %v", err)
		}
		writes = append(writes, VersionWrite{
			HubKey:       hub.Key,
			Attributes:   map[string]any{"status": "expired"},
			RecordSource: "test",
		})
	}
	// One write is a no-op duplicate.
	writes = append(writes, VersionWrite{
		HubKey:       writes[0].HubKey,
		Attributes:   map[string]any{"status": "expired"},
		RecordSource: "test",
	})

	written, err := store.WriteVersionBatch(ctx, writes)
	if err != nil {
		t.Fatalf("WriteVersionBatch: %v", err)
	}
	if written != 3 {
		t.Fatalf("expected 3 written, got %d", written)
	}
}

func TestLinksLifecycle(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	user, _ := store.CreateHub(ctx, EntityUser, "tenant-a", "u1", "test")
	session, _ := store.CreateHub(ctx, EntitySession, "tenant-a", "s1", "test")

	link, err := store.CreateLink(ctx, LinkUserSession, "tenant-a", user.Key, session.Key, "test")
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	again, err := store.CreateLink(ctx, LinkUserSession, "tenant-a", user.Key, session.Key, "test")
	if err != nil || again.Key != link.Key {
		t.Fatalf("CreateLink not idempotent: %v, %s vs %s", err, again.Key, link.Key)
	}

	links, err := store.OpenLinks(ctx, LinkUserSession, session.Key)
	if err != nil {
		t.Fatalf("OpenLinks: %v", err)
	}
	if len(links) != 1 || links[0].LeftKey != user.Key {
		t.Fatalf("unexpected links: %+v", links)
	}

	if err := store.CloseLink(ctx, link.Key, "test"); err != nil {
		t.Fatalf("CloseLink: %v", err)
	}
	links, _ = store.OpenLinks(ctx, LinkUserSession, session.Key)
	if len(links) != 0 {
		t.Fatalf("expected no open links after close, got %d", len(links))
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(map[string]any{"x": 1, "y": "z", "nested": map[string]any{"a": true}})
	b := Fingerprint(map[string]any{"nested": map[string]any{"a": true}, "y": "z", "x": 1})
	if a == "" || a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	c := Fingerprint(map[string]any{"x": 2, "y": "z", "nested": map[string]any{"a": true}})
	if a == c {
		t.Fatal("different attributes produced identical fingerprints")
	}
}

func TestMemoryClockOverride(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemory().WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	hub, _ := store.CreateHub(ctx, EntityUser, "tenant-a", "u1", "test")
	if !hub.CreatedAt.Equal(fixed) {
		t.Fatalf("expected pinned creation time, got %v", hub.CreatedAt)
	}
}

func TestWriteVersionIf(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	hub, err := store.CreateHub(ctx, EntitySession, "tenant-a", "s1", "test")
	if err != nil {
		t.Fatalf("CreateHub: %v", err)
	}

	// Empty expectation means "no open version yet".
	first, written, err := store.WriteVersionIf(ctx, hub.Key, "", map[string]any{"count": 1}, "test")
	if err != nil || !written {
		t.Fatalf("first guarded write: written=%v err=%v", written, err)
	}

	// Once a version exists the empty expectation is stale.
	if _, _, err := store.WriteVersionIf(ctx, hub.Key, "", map[string]any{"count": 2}, "test"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale empty expectation: err = %v, want ErrConflict", err)
	}

	// Writing against the version just read succeeds.
	second, written, err := store.WriteVersionIf(ctx, hub.Key, first.ID, map[string]any{"count": 2}, "test")
	if err != nil || !written {
		t.Fatalf("guarded write: written=%v err=%v", written, err)
	}

	// The superseded version id no longer names the open version.
	if _, _, err := store.WriteVersionIf(ctx, hub.Key, first.ID, map[string]any{"count": 3}, "test"); !errors.Is(err, ErrConflict) {
		t.Fatalf("superseded expectation: err = %v, want ErrConflict", err)
	}

	current, err := store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		t.Fatalf("ReadCurrent: %v", err)
	}
	if current.ID != second.ID || current.Attributes["count"] != 2 {
		t.Fatalf("conflicting write leaked through: %+v", current)
	}

	if _, _, err := store.WriteVersionIf(ctx, "missing", "", nil, "test"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown hub: err = %v, want ErrNotFound", err)
	}
}

func TestCloseCurrentKeepsWriterRecordSource(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	hub, _ := store.CreateHub(ctx, EntitySession, "tenant-a", "s1", "writer")
	if _, written, err := store.WriteVersion(ctx, hub.Key, map[string]any{"status": "active"}, "writer"); err != nil || !written {
		t.Fatalf("write: written=%v err=%v", written, err)
	}

	closed, err := store.CloseCurrent(ctx, hub.Key, "closer")
	if err != nil {
		t.Fatalf("CloseCurrent: %v", err)
	}
	if closed.RecordSource != "writer" {
		t.Fatalf("closing must not rewrite provenance: got %q", closed.RecordSource)
	}

	history, err := store.History(ctx, hub.Key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history[len(history)-1].RecordSource != "writer" {
		t.Fatalf("stored version lost its writer: %q", history[len(history)-1].RecordSource)
	}
}
