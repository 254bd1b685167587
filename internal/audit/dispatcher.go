package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"tessera.org/internal/obs"
	"tessera.org/internal/vault"
)

// FailurePolicy decides what a dispatch failure does to the triggering
// business mutation.
type FailurePolicy int

const (
	// Isolate swallows the failure: it is logged and counted, and the
	// business mutation commits. Availability over audit completeness.
	Isolate FailurePolicy = iota
	// Propagate returns the failure to the caller. Used by tests and
	// deployments that prefer auditability over availability.
	Propagate
)

// Event is one immutable audit record.
type Event struct {
	ID         string
	OccurredAt time.Time
	TenantKey  string
	Schema     string
	Entity     string
	Role       Role
	Op         Op
	Actor      string
	EntityKey  string
	RequestID  string
}

// Detail carries the before/after state as opaque structured data.
type Detail struct {
	EventID string
	Before  map[string]any
	After   map[string]any
}

// EventStore persists event/detail pairs.
type EventStore interface {
	Append(ctx context.Context, event Event, detail Detail) error
}

// Dispatcher turns mutations into audit events. One dispatcher serves
// every governed record family through the role registry.
type Dispatcher struct {
	store        EventStore
	registry     *Registry
	policy       FailurePolicy
	systemTenant string
	now          func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithFailurePolicy overrides the default Isolate policy.
func WithFailurePolicy(p FailurePolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p }
}

// WithSystemTenant overrides the tenant used for unresolvable activity.
func WithSystemTenant(key string) DispatcherOption {
	return func(d *Dispatcher) {
		if key != "" {
			d.systemTenant = key
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

func NewDispatcher(store EventStore, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		registry:     registry,
		policy:       Isolate,
		systemTenant: vault.SystemTenant,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch produces one event/detail pair for the mutation. Under the
// Isolate policy the returned error is always nil.
func (d *Dispatcher) Dispatch(ctx context.Context, m Mutation) error {
	reg, ok := d.registry.Lookup(m.Entity)
	if !ok {
		reg = Registration{Role: RoleUnclassified}
	}
	tenant := d.resolveTenant(ctx, reg, m)

	event := Event{
		ID:         uuid.NewString(),
		OccurredAt: d.now().UTC(),
		TenantKey:  tenant,
		Schema:     m.Schema,
		Entity:     m.Entity,
		Role:       reg.Role,
		Op:         m.Op,
		Actor:      m.Actor,
		EntityKey:  m.EntityKey,
		RequestID:  requestIDFromContext(ctx),
	}
	detail := Detail{EventID: event.ID, Before: m.Before, After: m.After}

	if err := d.store.Append(ctx, event, detail); err != nil {
		if d.policy == Propagate {
			return err
		}
		obs.AuditFailures.Inc()
		obs.LogEntry(map[string]any{
			"ts":     d.now().UTC().Format(time.RFC3339Nano),
			"type":   "audit_failure",
			"entity": m.Entity,
			"op":     string(m.Op),
			"error":  err.Error(),
		})
		return nil
	}
	return nil
}

func (d *Dispatcher) resolveTenant(ctx context.Context, reg Registration, m Mutation) string {
	switch reg.Role {
	case RoleHub, RoleLink:
		if t := tenantField(m); t != "" {
			return t
		}
		return d.systemTenant
	case RoleSatellite:
		if reg.Resolver != nil {
			if t, err := reg.Resolver(ctx, m); err == nil && t != "" {
				return t
			}
		}
		return d.systemTenant
	case RoleBridge, RoleReference:
		return d.systemTenant
	default:
		if reg.Resolver != nil {
			if t, err := reg.Resolver(ctx, m); err == nil && t != "" {
				return t
			}
		}
		if t := tenantField(m); t != "" {
			return t
		}
		return d.systemTenant
	}
}

// tenantField reads the tenant directly off the mutated row.
func tenantField(m Mutation) string {
	for _, state := range []map[string]any{m.After, m.Before} {
		if state == nil {
			continue
		}
		if t, ok := state["tenant_key"].(string); ok && strings.TrimSpace(t) != "" {
			return t
		}
	}
	return ""
}

// HubResolver resolves a satellite mutation to its owning tenant by
// following the entity key back to the hub row.
func HubResolver(store vault.Store) TenantResolver {
	return func(ctx context.Context, m Mutation) (string, error) {
		hub, err := store.GetHub(ctx, m.EntityKey)
		if err != nil {
			return "", err
		}
		return hub.TenantKey, nil
	}
}
