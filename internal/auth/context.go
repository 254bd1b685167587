package auth

import "context"

type identityContextKey struct{}

// Identity is the authenticated caller attached to request contexts by
// the boundary layer.
type Identity struct {
	UserKey     string
	TenantKey   string
	Permissions []string
}

// ContextWithIdentity attaches the authenticated identity to the
// context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}
