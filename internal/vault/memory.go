package vault

import (
	"context"
	"strings"
	"sync"
	"time"

	"tessera.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It
// backs tests and single-node development; the Postgres store is the
// durable implementation.
type InMemory struct {
	mu       sync.RWMutex
	hubs     map[string]*Hub      // hub key -> hub
	byBiz    map[string]string    // entityType/tenant/businessKey -> hub key
	versions map[string][]Version // hub key -> ordered versions
	links    map[string]*Link     // link key -> link
	now      func() time.Time
}

// NewInMemory creates an empty vault.
func NewInMemory() *InMemory {
	return &InMemory{
		hubs:     make(map[string]*Hub),
		byBiz:    make(map[string]string),
		versions: make(map[string][]Version),
		links:    make(map[string]*Link),
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *InMemory) WithClock(fn func() time.Time) *InMemory {
	if fn != nil {
		s.now = fn
	}
	return s
}

func bizIndex(entityType, tenantKey, businessKey string) string {
	return entityType + "\x1f" + tenantKey + "\x1f" + businessKey
}

func (s *InMemory) CreateHub(ctx context.Context, entityType, tenantKey, businessKey, recordSource string) (Hub, error) {
	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(businessKey) == "" {
		return Hub{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := bizIndex(entityType, tenantKey, businessKey)
	if key, ok := s.byBiz[idx]; ok {
		return *s.hubs[key], nil
	}
	hub := Hub{
		Key:          ids.Derive(entityType, tenantKey, businessKey),
		EntityType:   entityType,
		TenantKey:    tenantKey,
		BusinessKey:  businessKey,
		CreatedAt:    s.now().UTC(),
		RecordSource: recordSource,
	}
	s.hubs[hub.Key] = &hub
	s.byBiz[idx] = hub.Key
	return hub, nil
}

func (s *InMemory) GetHub(ctx context.Context, key string) (Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hub, ok := s.hubs[key]
	if !ok {
		return Hub{}, ErrNotFound
	}
	return *hub, nil
}

func (s *InMemory) FindHub(ctx context.Context, entityType, tenantKey, businessKey string) (Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byBiz[bizIndex(entityType, tenantKey, businessKey)]
	if !ok {
		return Hub{}, ErrNotFound
	}
	return *s.hubs[key], nil
}

func (s *InMemory) FindHubAny(ctx context.Context, entityType, businessKey string) (Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, hub := range s.hubs {
		if hub.EntityType == entityType && hub.BusinessKey == businessKey {
			return *hub, nil
		}
	}
	return Hub{}, ErrNotFound
}

func (s *InMemory) HubsByType(ctx context.Context, entityType string) ([]Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Hub
	for _, hub := range s.hubs {
		if hub.EntityType == entityType {
			res = append(res, *hub)
		}
	}
	return res, nil
}

func (s *InMemory) WriteVersion(ctx context.Context, hubKey string, attrs map[string]any, recordSource string) (Version, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeVersionLocked(hubKey, attrs, recordSource)
}

func (s *InMemory) WriteVersionIf(ctx context.Context, hubKey, expectedVersionID string, attrs map[string]any, recordSource string) (Version, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hubs[hubKey]; !ok {
		return Version{}, false, ErrNotFound
	}
	currentID := ""
	if history := s.versions[hubKey]; len(history) > 0 && history[len(history)-1].Open() {
		currentID = history[len(history)-1].ID
	}
	if currentID != expectedVersionID {
		return Version{}, false, ErrConflict
	}
	return s.writeVersionLocked(hubKey, attrs, recordSource)
}

func (s *InMemory) writeVersionLocked(hubKey string, attrs map[string]any, recordSource string) (Version, bool, error) {
	if _, ok := s.hubs[hubKey]; !ok {
		return Version{}, false, ErrNotFound
	}
	now := s.now().UTC()
	fp := Fingerprint(attrs)

	history := s.versions[hubKey]
	if n := len(history); n > 0 && history[n-1].Open() {
		current := &history[n-1]
		if fp != "" && current.Fingerprint == fp {
			// No real change; skip the write to keep history bounded.
			return *current, false, nil
		}
		closed := now
		current.ValidTo = &closed
	}

	next := Version{
		ID:           ids.New(),
		HubKey:       hubKey,
		ValidFrom:    now,
		Fingerprint:  fp,
		Attributes:   cloneAttrs(attrs),
		RecordSource: recordSource,
	}
	s.versions[hubKey] = append(history, next)
	return next, true, nil
}

func (s *InMemory) WriteVersionBatch(ctx context.Context, writes []VersionWrite) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, w := range writes {
		_, ok, err := s.writeVersionLocked(w.HubKey, w.Attributes, w.RecordSource)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

func (s *InMemory) ReadCurrent(ctx context.Context, hubKey string) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.hubs[hubKey]; !ok {
		return Version{}, ErrNotFound
	}
	history := s.versions[hubKey]
	if n := len(history); n > 0 && history[n-1].Open() {
		v := history[n-1]
		v.Attributes = cloneAttrs(v.Attributes)
		return v, nil
	}
	return Version{}, ErrNoActiveVersion
}

func (s *InMemory) History(ctx context.Context, hubKey string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.hubs[hubKey]; !ok {
		return nil, ErrNotFound
	}
	history := s.versions[hubKey]
	res := make([]Version, len(history))
	copy(res, history)
	for i := range res {
		res[i].Attributes = cloneAttrs(res[i].Attributes)
	}
	return res, nil
}

func (s *InMemory) CloseCurrent(ctx context.Context, hubKey, recordSource string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hubs[hubKey]; !ok {
		return Version{}, ErrNotFound
	}
	history := s.versions[hubKey]
	n := len(history)
	if n == 0 || !history[n-1].Open() {
		return Version{}, ErrNoActiveVersion
	}
	closed := s.now().UTC()
	history[n-1].ValidTo = &closed
	return history[n-1], nil
}

func (s *InMemory) CreateLink(ctx context.Context, linkType, tenantKey, leftKey, rightKey, recordSource string) (Link, error) {
	if linkType == "" || leftKey == "" || rightKey == "" {
		return Link{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ids.Derive(linkType, leftKey, rightKey)
	if existing, ok := s.links[key]; ok && existing.ValidTo == nil {
		return *existing, nil
	}
	link := Link{
		Key:          key,
		LinkType:     linkType,
		TenantKey:    tenantKey,
		LeftKey:      leftKey,
		RightKey:     rightKey,
		ValidFrom:    s.now().UTC(),
		RecordSource: recordSource,
	}
	s.links[key] = &link
	return link, nil
}

func (s *InMemory) OpenLinks(ctx context.Context, linkType, key string) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Link
	for _, link := range s.links {
		if link.LinkType != linkType || link.ValidTo != nil {
			continue
		}
		if link.LeftKey == key || link.RightKey == key {
			res = append(res, *link)
		}
	}
	return res, nil
}

func (s *InMemory) CloseLink(ctx context.Context, linkKey, recordSource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkKey]
	if !ok {
		return ErrNotFound
	}
	if link.ValidTo != nil {
		return ErrNoActiveVersion
	}
	closed := s.now().UTC()
	link.ValidTo = &closed
	link.RecordSource = recordSource
	return nil
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	res := make(map[string]any, len(attrs))
	for k, v := range attrs {
		res[k] = v
	}
	return res
}

var _ Store = (*InMemory)(nil)
