// Package ratelimit admits or rejects requests based on a sliding time
// window computed from historized tracking records, so the full request
// history stays inspectable rather than collapsing into a counter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/obs"
	"tessera.org/internal/policy"
	"tessera.org/internal/vault"
)

const (
	// maxRetries bounds recovery from lost-update races on a tracking
	// record before the conflict is surfaced.
	maxRetries   = 3
	retryBackoff = 10 * time.Millisecond

	// suspiciousBurst flags windows that accumulate this many requests
	// within their first minute.
	suspiciousBurst = 10
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
	Suspicious bool
	Remaining  int
}

// Limiter computes admission decisions per (tenant, subject) pair where
// subject is an IP or a token hash.
type Limiter struct {
	store    vault.Store
	policies *policy.Resolver
	now      func() time.Time
	sleep    func(time.Duration)

	// mu guards locks; each subject gets its own mutex so in-process
	// checks on one subject serialize without contending across
	// subjects. Cross-process writers are caught by the store's
	// compare-and-swap instead.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store vault.Store, policies *policy.Resolver) *Limiter {
	return &Limiter{
		store:    store,
		policies: policies,
		now:      time.Now,
		sleep:    time.Sleep,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (l *Limiter) subjectLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	return lock
}

// WithClock overrides the time source, for tests.
func (l *Limiter) WithClock(fn func() time.Time) *Limiter {
	if fn != nil {
		l.now = fn
	}
	return l
}

// CheckAndRecord resolves the tenant policy, advances the tracking
// record for (tenant, ip), and decides admission. The read-modify-write
// is guarded by optimistic retry: a concurrent writer closing the same
// version surfaces as vault.ErrConflict and the whole sequence reruns.
func (l *Limiter) CheckAndRecord(ctx context.Context, tenantKey, ip, endpoint string) (Decision, error) {
	return l.check(ctx, tenantKey, "ip:"+ip, endpoint)
}

// CheckToken is the token-keyed variant used by the validator.
func (l *Limiter) CheckToken(ctx context.Context, tenantKey, tokenHash, endpoint string) (Decision, error) {
	return l.check(ctx, tenantKey, "token:"+tokenHash, endpoint)
}

func (l *Limiter) check(ctx context.Context, tenantKey, subject, endpoint string) (Decision, error) {
	if tenantKey == "" {
		tenantKey = vault.SystemTenant
	}
	pol := l.policies.ForTenant(ctx, tenantKey)

	lock := l.subjectLock(tenantKey + "\x1f" + subject)
	lock.Lock()
	defer lock.Unlock()

	var (
		decision Decision
		err      error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		decision, err = l.tryCheck(ctx, tenantKey, subject, endpoint, pol)
		if err == nil {
			break
		}
		if !errors.Is(err, vault.ErrConflict) {
			return Decision{}, err
		}
		l.sleep(retryBackoff * time.Duration(attempt+1))
	}
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit tracking: %w", err)
	}

	if decision.Allowed {
		obs.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		obs.RateLimitDecisions.WithLabelValues("blocked").Inc()
		audit.Security(ctx, audit.SecurityBlocked, map[string]any{
			"tenant_key": tenantKey,
			"subject":    subject,
			"endpoint":   endpoint,
		})
	}
	if decision.Suspicious {
		audit.Security(ctx, audit.SecuritySuspicious, map[string]any{
			"tenant_key": tenantKey,
			"subject":    subject,
			"endpoint":   endpoint,
			"reason":     decision.Reason,
		})
	}
	return decision, nil
}

func (l *Limiter) tryCheck(ctx context.Context, tenantKey, subject, endpoint string, pol policy.Security) (Decision, error) {
	hub, err := l.store.CreateHub(ctx, vault.EntityTracking, tenantKey, subject, "ratelimit")
	if err != nil {
		return Decision{}, err
	}

	now := l.now().UTC()
	count := 0
	windowStart := now
	blocked := false
	expectedID := ""

	current, err := l.store.ReadCurrent(ctx, hub.Key)
	switch {
	case err == nil:
		expectedID = current.ID
		ws, _ := timeAttr(current.Attributes, "window_start")
		blocked, _ = current.Attributes["blocked"].(bool)
		if !ws.IsZero() && now.Sub(ws) < pol.RateWindow {
			windowStart = ws
			count, _ = intAttr(current.Attributes, "count")
		} else {
			// Window elapsed: fresh logical counter, stale block lifted.
			blocked = false
		}
	case errors.Is(err, vault.ErrNoActiveVersion):
		// First request ever for this subject.
	case errors.Is(err, vault.ErrNotFound):
	default:
		return Decision{}, err
	}

	count++
	if count > pol.RateLimit {
		blocked = true
	}

	suspicious := false
	reason := ""
	switch {
	case count > (pol.RateLimit*4)/5 && count <= pol.RateLimit:
		suspicious = true
		reason = "nearing limit"
	case count > suspiciousBurst && now.Sub(windowStart) < time.Minute:
		suspicious = true
		reason = "burst in first minute"
	}

	attrs := map[string]any{
		"window_start": windowStart.Format(time.RFC3339Nano),
		"last_request": now.Format(time.RFC3339Nano),
		"count":        count,
		"blocked":      blocked,
		"suspicious":   suspicious,
		"endpoint":     endpoint,
	}
	if suspicious {
		attrs["evidence"] = map[string]any{
			"reason": reason,
			"count":  count,
			"window": pol.RateWindow.String(),
		}
	}
	// Compare-and-swap against the version this check read. A writer
	// that slipped in between surfaces as ErrConflict and the caller
	// reruns the whole read-count-write sequence.
	if _, _, err := l.store.WriteVersionIf(ctx, hub.Key, expectedID, attrs, "ratelimit"); err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:    count <= pol.RateLimit && !blocked,
		Suspicious: suspicious,
		Reason:     reason,
		Remaining:  max(0, pol.RateLimit-count),
	}
	if !d.Allowed {
		d.Reason = "rate limit exceeded"
		d.RetryAfter = windowStart.Add(pol.RateWindow).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

// Clear lifts a block before its window expires. Explicit operator
// action; the block otherwise persists for the rest of the window.
func (l *Limiter) Clear(ctx context.Context, tenantKey, ip string) error {
	hub, err := l.store.FindHub(ctx, vault.EntityTracking, tenantKey, "ip:"+ip)
	if err != nil {
		return err
	}
	current, err := l.store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		return err
	}
	attrs := make(map[string]any, len(current.Attributes))
	for k, v := range current.Attributes {
		attrs[k] = v
	}
	attrs["blocked"] = false
	attrs["count"] = 0
	_, _, err = l.store.WriteVersion(ctx, hub.Key, attrs, "ratelimit")
	return err
}

func intAttr(attrs map[string]any, key string) (int, bool) {
	switch v := attrs[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func timeAttr(attrs map[string]any, key string) (time.Time, bool) {
	s, ok := attrs[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
