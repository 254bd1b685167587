package audit

import (
	"context"

	"tessera.org/internal/vault"
)

// SchemaIdentity is the logical schema name recorded on events produced
// by the store interceptor.
const SchemaIdentity = "identity"

// StoreInterceptor funnels every vault write through the dispatcher so
// that each mutation produces an audit event. It replaces the kind of
// per-table trigger wiring that ties auditing to one storage engine:
// any Store implementation gets the same coverage.
//
// The dispatcher's failure policy decides what an audit failure does
// here: under Isolate the mutation commits and Dispatch returns nil;
// under Propagate the dispatch error surfaces to the caller (the
// mutation has already committed either way).
type StoreInterceptor struct {
	vault.Store
	dispatcher *Dispatcher
}

var _ vault.Store = (*StoreInterceptor)(nil)

func NewStoreInterceptor(inner vault.Store, d *Dispatcher) *StoreInterceptor {
	return &StoreInterceptor{Store: inner, dispatcher: d}
}

func (s *StoreInterceptor) CreateHub(ctx context.Context, entityType, tenantKey, businessKey, recordSource string) (vault.Hub, error) {
	before, _ := s.Store.FindHub(ctx, entityType, tenantKey, businessKey)
	hub, err := s.Store.CreateHub(ctx, entityType, tenantKey, businessKey, recordSource)
	if err != nil {
		return hub, err
	}
	if before.Key == hub.Key {
		// Idempotent re-create; nothing changed, nothing to audit.
		return hub, nil
	}
	return hub, s.dispatcher.Dispatch(ctx, Mutation{
		Schema:    SchemaIdentity,
		Entity:    hub.EntityType,
		Op:        OpCreate,
		EntityKey: hub.Key,
		Actor:     ActorFromContext(ctx),
		After:     hubState(hub),
	})
}

func (s *StoreInterceptor) WriteVersion(ctx context.Context, hubKey string, attrs map[string]any, recordSource string) (vault.Version, bool, error) {
	var before map[string]any
	if current, err := s.Store.ReadCurrent(ctx, hubKey); err == nil {
		before = current.Attributes
	}
	v, written, err := s.Store.WriteVersion(ctx, hubKey, attrs, recordSource)
	if err != nil || !written {
		return v, written, err
	}
	return v, written, s.auditVersionWrite(ctx, hubKey, before, v.Attributes)
}

func (s *StoreInterceptor) WriteVersionIf(ctx context.Context, hubKey, expectedVersionID string, attrs map[string]any, recordSource string) (vault.Version, bool, error) {
	var before map[string]any
	if current, err := s.Store.ReadCurrent(ctx, hubKey); err == nil {
		before = current.Attributes
	}
	v, written, err := s.Store.WriteVersionIf(ctx, hubKey, expectedVersionID, attrs, recordSource)
	if err != nil || !written {
		return v, written, err
	}
	return v, written, s.auditVersionWrite(ctx, hubKey, before, v.Attributes)
}

func (s *StoreInterceptor) auditVersionWrite(ctx context.Context, hubKey string, before, after map[string]any) error {
	op := OpUpdate
	if before == nil {
		op = OpCreate
	}
	hub, herr := s.Store.GetHub(ctx, hubKey)
	entity := "unknown_history"
	if herr == nil {
		entity = hub.EntityType + "_history"
	}
	return s.dispatcher.Dispatch(ctx, Mutation{
		Schema:    SchemaIdentity,
		Entity:    entity,
		Op:        op,
		EntityKey: hubKey,
		Actor:     ActorFromContext(ctx),
		Before:    before,
		After:     after,
	})
}

func (s *StoreInterceptor) WriteVersionBatch(ctx context.Context, writes []vault.VersionWrite) (int, error) {
	befores := make([]map[string]any, len(writes))
	for i, w := range writes {
		if current, err := s.Store.ReadCurrent(ctx, w.HubKey); err == nil {
			befores[i] = current.Attributes
		}
	}
	written, err := s.Store.WriteVersionBatch(ctx, writes)
	if err != nil {
		return written, err
	}
	for i, w := range writes {
		after, rerr := s.Store.ReadCurrent(ctx, w.HubKey)
		if rerr != nil {
			continue
		}
		if befores[i] != nil && vault.Fingerprint(befores[i]) == after.Fingerprint {
			continue
		}
		hub, herr := s.Store.GetHub(ctx, w.HubKey)
		entity := "unknown_history"
		if herr == nil {
			entity = hub.EntityType + "_history"
		}
		if err := s.dispatcher.Dispatch(ctx, Mutation{
			Schema:    SchemaIdentity,
			Entity:    entity,
			Op:        OpUpdate,
			EntityKey: w.HubKey,
			Actor:     ActorFromContext(ctx),
			Before:    befores[i],
			After:     after.Attributes,
		}); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *StoreInterceptor) CloseCurrent(ctx context.Context, hubKey, recordSource string) (vault.Version, error) {
	v, err := s.Store.CloseCurrent(ctx, hubKey, recordSource)
	if err != nil {
		return v, err
	}
	hub, herr := s.Store.GetHub(ctx, hubKey)
	entity := "unknown_history"
	if herr == nil {
		entity = hub.EntityType + "_history"
	}
	return v, s.dispatcher.Dispatch(ctx, Mutation{
		Schema:    SchemaIdentity,
		Entity:    entity,
		Op:        OpDelete,
		EntityKey: hubKey,
		Actor:     ActorFromContext(ctx),
		Before:    v.Attributes,
	})
}

func (s *StoreInterceptor) CreateLink(ctx context.Context, linkType, tenantKey, leftKey, rightKey, recordSource string) (vault.Link, error) {
	link, err := s.Store.CreateLink(ctx, linkType, tenantKey, leftKey, rightKey, recordSource)
	if err != nil {
		return link, err
	}
	return link, s.dispatcher.Dispatch(ctx, Mutation{
		Schema:    SchemaIdentity,
		Entity:    link.LinkType,
		Op:        OpCreate,
		EntityKey: link.Key,
		Actor:     ActorFromContext(ctx),
		After: map[string]any{
			"tenant_key": link.TenantKey,
			"left_key":   link.LeftKey,
			"right_key":  link.RightKey,
		},
	})
}

func (s *StoreInterceptor) CloseLink(ctx context.Context, linkKey, recordSource string) error {
	if err := s.Store.CloseLink(ctx, linkKey, recordSource); err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, Mutation{
		Schema:    SchemaIdentity,
		Entity:    "link",
		Op:        OpDelete,
		EntityKey: linkKey,
		Actor:     ActorFromContext(ctx),
	})
}

func hubState(hub vault.Hub) map[string]any {
	return map[string]any{
		"key":          hub.Key,
		"entity_type":  hub.EntityType,
		"tenant_key":   hub.TenantKey,
		"business_key": hub.BusinessKey,
	}
}
