package audit

import (
	"context"
	"time"

	"tessera.org/internal/obs"
	"tessera.org/internal/vault"
)

// RegisterIdentityFamilies registers every governed record family of
// the identity schema. Called once at startup; the coverage
// reconciliation below checks the registry against this list so a new
// family cannot silently go unaudited.
func RegisterIdentityFamilies(reg *Registry, store vault.Store) {
	satellite := HubResolver(store)
	for _, entity := range []string{
		vault.EntityTenant, vault.EntityUser, vault.EntitySession,
		vault.EntityToken, vault.EntityTracking,
	} {
		reg.Register(entity, RoleHub, nil)
		reg.Register(entity+"_history", RoleSatellite, satellite)
	}
	reg.Register(vault.LinkUserSession, RoleLink, nil)
	reg.Register(vault.LinkSessionToken, RoleLink, nil)
	reg.Register("security_policy_defaults", RoleReference, nil)
}

// GovernedFamilies is the canonical list reconciliation checks against.
func GovernedFamilies() []string {
	families := []string{
		vault.LinkUserSession,
		vault.LinkSessionToken,
		"security_policy_defaults",
	}
	for _, entity := range []string{
		vault.EntityTenant, vault.EntityUser, vault.EntitySession,
		vault.EntityToken, vault.EntityTracking,
	} {
		families = append(families, entity, entity+"_history")
	}
	return families
}

// FindUnaudited returns governed families that have no registration.
// With selfRegister set, each gap is registered as unclassified so it
// at least gets system-tenant events until someone classifies it.
func (d *Dispatcher) FindUnaudited(ctx context.Context, governed []string, selfRegister bool) []string {
	var gaps []string
	for _, entity := range governed {
		if _, ok := d.registry.Lookup(entity); ok {
			continue
		}
		gaps = append(gaps, entity)
		if selfRegister {
			d.registry.Register(entity, RoleUnclassified, nil)
		}
	}
	if len(gaps) > 0 {
		obs.LogEntry(map[string]any{
			"ts":              d.now().UTC().Format(time.RFC3339Nano),
			"type":            "audit_coverage_gap",
			"entities":        gaps,
			"self_registered": selfRegister,
		})
	}
	return gaps
}
