package vault

import "context"

// Store describes the persistence operations of the temporal identity
// vault. Hubs are append-only identity rows; versions are historized
// attribute rows with exactly one open version per hub; links are
// versioned two-way associations.
//
// Implementations must keep "close old version, open new version"
// atomic: no reader may observe two open versions for one hub.
type Store interface {
	// CreateHub is idempotent: the same (entityType, tenantKey,
	// businessKey) always yields the same hub without a duplicate row.
	CreateHub(ctx context.Context, entityType, tenantKey, businessKey, recordSource string) (Hub, error)
	GetHub(ctx context.Context, key string) (Hub, error)
	// FindHub locates a hub by business key within a tenant.
	FindHub(ctx context.Context, entityType, tenantKey, businessKey string) (Hub, error)
	// FindHubAny locates a hub by business key across tenants. Callers
	// own the tenant check; the token lookup path needs this because
	// the tenant is not known until the hub is found.
	FindHubAny(ctx context.Context, entityType, businessKey string) (Hub, error)
	HubsByType(ctx context.Context, entityType string) ([]Hub, error)

	// WriteVersion closes the current open version and inserts a new
	// one atomically. When the candidate fingerprint equals the current
	// one the write is skipped and written=false is returned.
	WriteVersion(ctx context.Context, hubKey string, attrs map[string]any, recordSource string) (v Version, written bool, err error)
	// WriteVersionIf is WriteVersion guarded by the version the caller
	// read: the write applies only while expectedVersionID still names
	// the open version (empty string means "no open version yet").
	// A stale expectation returns ErrConflict, which makes lost updates
	// on read-modify-write counters detectable and retryable.
	WriteVersionIf(ctx context.Context, hubKey, expectedVersionID string, attrs map[string]any, recordSource string) (v Version, written bool, err error)
	// WriteVersionBatch applies many writes in one pass (one
	// transaction for transactional stores). Returns the number of
	// versions actually written, no-op skips excluded.
	WriteVersionBatch(ctx context.Context, writes []VersionWrite) (int, error)
	ReadCurrent(ctx context.Context, hubKey string) (Version, error)
	History(ctx context.Context, hubKey string) ([]Version, error)
	// CloseCurrent historizes the entity without a successor version
	// (deletion-by-historization). The closed version keeps the record
	// source of whoever wrote it; the closer is carried on the audit
	// trail, not on the row.
	CloseCurrent(ctx context.Context, hubKey, recordSource string) (Version, error)

	CreateLink(ctx context.Context, linkType, tenantKey, leftKey, rightKey, recordSource string) (Link, error)
	// OpenLinks returns currently open links of the given type touching
	// the key on either side.
	OpenLinks(ctx context.Context, linkType, key string) ([]Link, error)
	CloseLink(ctx context.Context, linkKey, recordSource string) error
}
