package vault

import "time"

// Entity types governed by the vault. Hub creation for any other type is
// allowed, but these are the ones the core registers for audit coverage.
const (
	EntityTenant   = "tenant"
	EntityUser     = "user"
	EntitySession  = "session"
	EntityToken    = "token"
	EntityTracking = "tracking"
)

// Link types used by the identity chain.
const (
	LinkUserSession  = "user_session"
	LinkSessionToken = "session_token"
)

// SystemTenant owns activity that has no resolvable tenant, such as
// pre-authentication attempts and reference data.
const SystemTenant = "tenant:system"

// Hub is an immutable identity record. The key never changes once
// assigned; everything time-varying lives in versions.
type Hub struct {
	Key          string
	EntityType   string
	TenantKey    string
	BusinessKey  string
	CreatedAt    time.Time
	RecordSource string
}

// Version is one historized attribute record for a hub. A nil ValidTo
// marks the single current version.
type Version struct {
	ID           string
	HubKey       string
	ValidFrom    time.Time
	ValidTo      *time.Time
	Fingerprint  string
	Attributes   map[string]any
	RecordSource string
}

// Open reports whether this is the current version.
func (v Version) Open() bool { return v.ValidTo == nil }

// Link is a versioned association between exactly two hubs, scoped to a
// tenant like everything else in the identity chain.
type Link struct {
	Key          string
	LinkType     string
	TenantKey    string
	LeftKey      string
	RightKey     string
	ValidFrom    time.Time
	ValidTo      *time.Time
	RecordSource string
}

// VersionWrite is one element of a batch write, used by cleanup jobs
// that close out many tokens in a single pass.
type VersionWrite struct {
	HubKey       string
	Attributes   map[string]any
	RecordSource string
}
