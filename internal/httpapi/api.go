// Package httpapi holds the thin boundary adapters between the
// identity core and the excluded REST layer. Only the contracts the
// core exposes are wired here; routing, validation, and the OpenAPI
// surface live with that collaborator.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"tessera.org/internal/obs"
	"tessera.org/internal/ratelimit"
	"tessera.org/internal/shadow"
)

// ReadyProbe checks dependencies for the readiness endpoint.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Revoker is implemented by the validator's revoke entry point.
type Revoker interface {
	Revoke(ctx context.Context, tokenValue, reason, revokedBy string) (bool, error)
}

// API is the HTTP boundary.
type API struct {
	mux        *http.ServeMux
	validator  shadow.Validator
	revoker    Revoker
	limiter    *ratelimit.Limiter
	readyProbe ReadyProbe
	version    string
}

func New(validator shadow.Validator, revoker Revoker, limiter *ratelimit.Limiter, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		validator:  validator,
		revoker:    revoker,
		limiter:    limiter,
		readyProbe: rp,
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)

	a.mux.HandleFunc("/v1/auth/validate", a.Validate)
	a.mux.Handle("/v1/auth/revoke", a.withAuth(http.HandlerFunc(a.Revoke)))
	a.mux.HandleFunc("/v1/limits/check", a.CheckLimit)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the server handler with the full middleware chain.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = EdgeRateLimit(h, 20, 10)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}
