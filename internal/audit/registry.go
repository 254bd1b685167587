package audit

import (
	"context"
	"sort"
	"sync"
)

// Role classifies a governed record family by its structural position
// in the identity graph. The role decides how the owning tenant of a
// mutation is resolved.
type Role string

const (
	RoleHub          Role = "hub"
	RoleSatellite    Role = "satellite"
	RoleLink         Role = "link"
	RoleBridge       Role = "bridge"
	RoleReference    Role = "reference"
	RoleUnclassified Role = "unclassified"
)

// Op is the mutation kind recorded on an audit event.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation describes one write to a governed record family.
type Mutation struct {
	Schema    string
	Entity    string
	Op        Op
	EntityKey string
	Actor     string
	Before    map[string]any
	After     map[string]any
}

// TenantResolver maps a mutation to its owning tenant key.
type TenantResolver func(ctx context.Context, m Mutation) (string, error)

// Registration binds a record family to its role and tenant resolution.
type Registration struct {
	Role     Role
	Resolver TenantResolver
}

// Registry holds the explicit role registrations for every governed
// record family. Families are registered at startup; nothing is
// inferred from entity names at dispatch time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register binds entity to a role. A nil resolver is valid for roles
// that resolve the tenant directly from the row or the system tenant.
func (r *Registry) Register(entity string, role Role, resolver TenantResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entity] = Registration{Role: role, Resolver: resolver}
}

// Lookup returns the registration for an entity, if any.
func (r *Registry) Lookup(entity string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[entity]
	return reg, ok
}

// Entities returns registered family names in stable order.
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]string, 0, len(r.entries))
	for k := range r.entries {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
