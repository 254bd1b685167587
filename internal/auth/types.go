package auth

import "time"

// Validation reasons. The core keeps them specific; the boundary layer
// collapses them to a non-enumerable class for external callers.
const (
	ReasonTokenNotFound  = "token not found"
	ReasonRevoked        = "revoked"
	ReasonExpired        = "expired"
	ReasonSessionTimeout = "session timed out"
	ReasonRateLimited    = "rate limit exceeded"
)

// Session and token status values kept in attribute history.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Request is the resolved per-request tuple the API layer hands to the
// core. The core does no network-layer parsing.
type Request struct {
	Token      string
	TenantHint string
	IP         string
	UserAgent  string
	Endpoint   string
}

// Result is the outcome of one validation.
type Result struct {
	Valid       bool
	Reason      string
	UserKey     string
	TenantKey   string
	Permissions []string
	ExpiresAt   time.Time
	MFARequired bool

	// Extended is set when the enhanced path pushed the expiry out.
	Extended bool
	// CrossTenantBlocked is set when the supplied tenant hint did not
	// match the token's owning tenant and enforcement denied the call.
	CrossTenantBlocked bool
}

// IssuedToken is returned from a successful login.
type IssuedToken struct {
	Token      string
	TokenKey   string
	SessionKey string
	UserKey    string
	ExpiresAt  time.Time
}

// BulkExpireResult reports a cleanup pass for observability.
type BulkExpireResult struct {
	Processed int
	Expired   int
	Elapsed   time.Duration
}
