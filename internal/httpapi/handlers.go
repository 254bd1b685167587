package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tessera.org/internal/audit"
	"tessera.org/internal/auth"
)

// genericDenial is what external callers see for any invalid token.
// The specific reason stays in the audit/security trail to avoid
// user and tenant enumeration.
const genericDenial = "unauthorized"

type validateRequest struct {
	Token      string `json:"token"`
	TenantHint string `json:"tenant_hint,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

type validateResponse struct {
	Valid       bool     `json:"valid"`
	UserID      string   `json:"user_id,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	MFARequired bool     `json:"mfa_required,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

func (a *API) Validate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	ctx := audit.WithRequestID(r.Context(), uuid.NewString())
	res, err := a.validator.Validate(ctx, auth.Request{
		Token:      req.Token,
		TenantHint: req.TenantHint,
		IP:         clientIP(r),
		UserAgent:  req.UserAgent,
		Endpoint:   req.Endpoint,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "validation error")
		return
	}
	if !res.Valid {
		writeJSON(w, http.StatusUnauthorized, validateResponse{Valid: false, Reason: genericDenial})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:       true,
		UserID:      res.UserKey,
		TenantID:    res.TenantKey,
		Permissions: res.Permissions,
		ExpiresAt:   res.ExpiresAt.UTC().Format(time.RFC3339),
		MFARequired: res.MFARequired,
	})
}

type revokeRequest struct {
	Token     string `json:"token"`
	Reason    string `json:"reason,omitempty"`
	RevokedBy string `json:"revoked_by,omitempty"`
}

func (a *API) Revoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	// The authenticated caller is the actor unless the body names one.
	revokedBy := req.RevokedBy
	if id, ok := auth.IdentityFromContext(r.Context()); ok && revokedBy == "" {
		revokedBy = id.UserKey
	}
	ctx := audit.WithActor(audit.WithRequestID(r.Context(), uuid.NewString()), revokedBy)
	revoked, err := a.revoker.Revoke(ctx, req.Token, req.Reason, revokedBy)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "revocation error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

type checkLimitRequest struct {
	Tenant   string `json:"tenant"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (a *API) CheckLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req checkLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := audit.WithRequestID(r.Context(), uuid.NewString())
	decision, err := a.limiter.CheckAndRecord(ctx, req.Tenant, clientIP(r), req.Endpoint)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "rate limit error")
		return
	}
	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{
		"allowed":             decision.Allowed,
		"retry_after_seconds": int(decision.RetryAfter.Seconds()),
		"reason":              decision.Reason,
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tessera-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
