package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"tessera.org/internal/audit"
	"tessera.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth guards mutating endpoints. The caller must present a valid
// bearer token; the authenticated identity is attached to the request
// context so handlers and the audit trail can attribute the action.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get(authHeader))
		if token == "" {
			respondError(w, http.StatusUnauthorized, genericDenial)
			return
		}
		ctx := audit.WithRequestID(r.Context(), uuid.NewString())
		res, err := a.validator.Validate(ctx, auth.Request{
			Token:     token,
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			Endpoint:  r.URL.Path,
		})
		if err != nil || !res.Valid {
			respondError(w, http.StatusUnauthorized, genericDenial)
			return
		}
		ctx = auth.ContextWithIdentity(ctx, auth.Identity{
			UserKey:     res.UserKey,
			TenantKey:   res.TenantKey,
			Permissions: res.Permissions,
		})
		ctx = audit.WithActor(ctx, res.UserKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) string {
	if !strings.HasPrefix(header, bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}
