package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tessera.org/internal/policy"
	"tessera.org/internal/vault"
)

func setupTenant(t *testing.T, store vault.Store, tenantKey string, attrs map[string]any) {
	t.Helper()
	ctx := context.Background()
	hub, err := store.CreateHub(ctx, vault.EntityTenant, vault.SystemTenant, tenantKey, "test")
	if err != nil {
		t.Fatalf("create tenant hub: %v", err)
	}
	if _, _, err := store.WriteVersion(ctx, hub.Key, attrs, "test"); err != nil {
		t.Fatalf("write tenant policy: %v", err)
	}
}

func newTestLimiter(t *testing.T, clock *time.Time) (*Limiter, *vault.InMemory) {
	t.Helper()
	store := vault.NewInMemory().WithClock(func() time.Time { return *clock })
	limiter := New(store, policy.NewResolver(store)).WithClock(func() time.Time { return *clock })
	limiter.sleep = func(time.Duration) {}
	return limiter, store
}

func TestSlidingWindowBlocksOverLimit(t *testing.T) {
	clock := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	limiter, store := newTestLimiter(t, &clock)
	setupTenant(t, store, "tenant-a", map[string]any{
		"status":              "active",
		"rate_limit":          3,
		"rate_window_seconds": 60,
	})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		clock = clock.Add(time.Second)
		d, err := limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.1", "/login")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 3-i {
			t.Fatalf("request %d: remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}

	clock = clock.Add(time.Second)
	d, err := limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.1", "/login")
	if err != nil {
		t.Fatalf("request 4: %v", err)
	}
	if d.Allowed {
		t.Fatal("request 4 should be blocked")
	}
	if d.Reason != "rate limit exceeded" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry-after %v", d.RetryAfter)
	}

	// The block holds for the rest of the window.
	clock = clock.Add(20 * time.Second)
	d, err = limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.1", "/login")
	if err != nil {
		t.Fatalf("request 5: %v", err)
	}
	if d.Allowed {
		t.Fatal("block must persist within the window")
	}

	// A fresh window lifts it.
	clock = clock.Add(61 * time.Second)
	d, err = limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.1", "/login")
	if err != nil {
		t.Fatalf("request 6: %v", err)
	}
	if !d.Allowed {
		t.Fatal("new window should admit again")
	}
	if d.Remaining != 2 {
		t.Fatalf("new window remaining = %d, want 2", d.Remaining)
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	clock := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	limiter, store := newTestLimiter(t, &clock)
	setupTenant(t, store, "tenant-a", map[string]any{
		"status":              "active",
		"rate_limit":          2,
		"rate_window_seconds": 60,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Second)
		if _, err := limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.1", "/login"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	clock = clock.Add(time.Second)
	d, err := limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.2", "/login")
	if err != nil {
		t.Fatalf("other ip: %v", err)
	}
	if !d.Allowed {
		t.Fatal("a different IP must not inherit the block")
	}

	// Token-keyed tracking is separate from IP tracking too.
	d, err = limiter.CheckToken(ctx, "tenant-a", "abc123", "/validate")
	if err != nil {
		t.Fatalf("token check: %v", err)
	}
	if !d.Allowed {
		t.Fatal("token subject must start with a fresh window")
	}
}

func TestSuspiciousNearingLimit(t *testing.T) {
	clock := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	limiter, store := newTestLimiter(t, &clock)
	setupTenant(t, store, "tenant-a", map[string]any{
		"status":              "active",
		"rate_limit":          5,
		"rate_window_seconds": 300,
	})
	ctx := context.Background()

	var last Decision
	for i := 0; i < 5; i++ {
		clock = clock.Add(time.Second)
		var err error
		last, err = limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.1", "/login")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if !last.Allowed {
		t.Fatal("request at the limit is still allowed")
	}
	if !last.Suspicious || last.Reason != "nearing limit" {
		t.Fatalf("expected nearing-limit flag, got %+v", last)
	}
}

func TestSuspiciousBurst(t *testing.T) {
	clock := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	limiter, _ := newTestLimiter(t, &clock)
	ctx := context.Background()

	// Default policy: limit 50. A burst past 10 inside the first minute
	// of the window is flagged without being blocked.
	var last Decision
	for i := 0; i < 11; i++ {
		clock = clock.Add(time.Second)
		var err error
		last, err = limiter.CheckAndRecord(ctx, "", "10.0.0.9", "/login")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if !last.Allowed {
		t.Fatal("burst below the limit must stay admitted")
	}
	if !last.Suspicious || last.Reason != "burst in first minute" {
		t.Fatalf("expected burst flag, got %+v", last)
	}
}

func TestClearLiftsBlock(t *testing.T) {
	clock := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	limiter, store := newTestLimiter(t, &clock)
	setupTenant(t, store, "tenant-a", map[string]any{
		"status":              "active",
		"rate_limit":          1,
		"rate_window_seconds": 600,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		clock = clock.Add(time.Second)
		if _, err := limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.1", "/login"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := limiter.Clear(ctx, "tenant-a", "10.0.0.1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	clock = clock.Add(time.Second)
	d, err := limiter.CheckAndRecord(ctx, "tenant-a", "10.0.0.1", "/login")
	if err != nil {
		t.Fatalf("after clear: %v", err)
	}
	if !d.Allowed {
		t.Fatal("cleared subject should be admitted")
	}
}

// conflictStore injects version-write conflicts for the first n calls,
// standing in for a contending writer on another node.
type conflictStore struct {
	vault.Store
	remaining int
	calls     int
}

func (s *conflictStore) WriteVersionIf(ctx context.Context, hubKey, expectedVersionID string, attrs map[string]any, recordSource string) (vault.Version, bool, error) {
	s.calls++
	if s.remaining > 0 {
		s.remaining--
		return vault.Version{}, false, vault.ErrConflict
	}
	return s.Store.WriteVersionIf(ctx, hubKey, expectedVersionID, attrs, recordSource)
}

// Concurrent checks on one subject must not lose updates: every call
// that returns a decision is backed by a counted tracking version.
func TestConcurrentChecksCountEveryRequest(t *testing.T) {
	store := vault.NewInMemory()
	limiter := New(store, policy.NewResolver(store))
	ctx := context.Background()

	const requests = 200
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.CheckAndRecord(ctx, "", "10.0.0.1", "/login")
			if err != nil {
				t.Errorf("CheckAndRecord: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	hub, err := store.FindHub(ctx, vault.EntityTracking, vault.SystemTenant, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("FindHub: %v", err)
	}
	current, err := store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		t.Fatalf("ReadCurrent: %v", err)
	}
	count, _ := current.Attributes["count"].(int)
	if count != requests {
		t.Fatalf("lost updates: recorded count = %d, want %d", count, requests)
	}
	if allowed != policy.Defaults.RateLimit {
		t.Fatalf("allowed = %d, want exactly the limit %d", allowed, policy.Defaults.RateLimit)
	}
}

func TestConflictRetrySucceeds(t *testing.T) {
	clock := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	inner := vault.NewInMemory().WithClock(func() time.Time { return clock })
	store := &conflictStore{Store: inner, remaining: 2}
	limiter := New(store, policy.NewResolver(inner)).WithClock(func() time.Time { return clock })
	limiter.sleep = func(time.Duration) {}

	d, err := limiter.CheckAndRecord(context.Background(), "", "10.0.0.1", "/login")
	if err != nil {
		t.Fatalf("expected retries to absorb the conflicts: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 write attempts, got %d", store.calls)
	}
}

func TestConflictRetryExhausted(t *testing.T) {
	clock := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	inner := vault.NewInMemory().WithClock(func() time.Time { return clock })
	store := &conflictStore{Store: inner, remaining: 100}
	limiter := New(store, policy.NewResolver(inner)).WithClock(func() time.Time { return clock })
	limiter.sleep = func(time.Duration) {}

	_, err := limiter.CheckAndRecord(context.Background(), "", "10.0.0.1", "/login")
	if !errors.Is(err, vault.ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausting retries, got %v", err)
	}
}
