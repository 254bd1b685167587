// Package policy resolves per-tenant security policy. Policy rows live
// in the tenant's own attribute history; anything unset falls back to
// system defaults.
package policy

import (
	"context"
	"errors"
	"time"

	"tessera.org/internal/vault"
)

// Security is the read-only policy surface consumed by the core.
type Security struct {
	MinPasswordLength int
	LockoutThreshold  int
	SessionTimeout    time.Duration
	RateWindow        time.Duration
	RateLimit         int
	RequireMFA        bool
}

// Defaults applied when a tenant sets nothing.
var Defaults = Security{
	MinPasswordLength: 12,
	LockoutThreshold:  5,
	SessionTimeout:    30 * time.Minute,
	RateWindow:        15 * time.Minute,
	RateLimit:         50,
	RequireMFA:        false,
}

// Resolver reads tenant policy out of the vault.
type Resolver struct {
	store    vault.Store
	defaults Security
}

func NewResolver(store vault.Store) *Resolver {
	return &Resolver{store: store, defaults: Defaults}
}

// WithDefaults overrides the system defaults.
func (r *Resolver) WithDefaults(d Security) *Resolver {
	r.defaults = d
	return r
}

// ForTenant returns the effective policy for a tenant. Unknown tenants
// and tenants without an active version get the defaults; the caller
// decides separately whether such a tenant may act at all.
func (r *Resolver) ForTenant(ctx context.Context, tenantKey string) Security {
	eff := r.defaults
	if tenantKey == "" || tenantKey == vault.SystemTenant {
		return eff
	}
	hub, err := r.store.FindHub(ctx, vault.EntityTenant, vault.SystemTenant, tenantKey)
	if err != nil {
		return eff
	}
	current, err := r.store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		return eff
	}
	attrs := current.Attributes
	if v, ok := intAttr(attrs, "min_password_length"); ok && v > 0 {
		eff.MinPasswordLength = v
	}
	if v, ok := intAttr(attrs, "lockout_threshold"); ok && v > 0 {
		eff.LockoutThreshold = v
	}
	if v, ok := intAttr(attrs, "session_timeout_minutes"); ok && v > 0 {
		eff.SessionTimeout = time.Duration(v) * time.Minute
	}
	if v, ok := intAttr(attrs, "rate_window_seconds"); ok && v > 0 {
		eff.RateWindow = time.Duration(v) * time.Second
	}
	if v, ok := intAttr(attrs, "rate_limit"); ok && v > 0 {
		eff.RateLimit = v
	}
	if v, ok := attrs["require_mfa"].(bool); ok {
		eff.RequireMFA = v
	}
	return eff
}

// TenantActive reports whether the tenant exists and is not
// deactivated.
func (r *Resolver) TenantActive(ctx context.Context, tenantKey string) (bool, error) {
	hub, err := r.store.FindHub(ctx, vault.EntityTenant, vault.SystemTenant, tenantKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	current, err := r.store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		if errors.Is(err, vault.ErrNoActiveVersion) {
			return false, nil
		}
		return false, err
	}
	status, _ := current.Attributes["status"].(string)
	return status == "active", nil
}

// intAttr tolerates the numeric types json round-tripping produces.
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
