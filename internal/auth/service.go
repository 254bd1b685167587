package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/ids"
	"tessera.org/internal/obs"
	"tessera.org/internal/policy"
	"tessera.org/internal/ratelimit"
	"tessera.org/internal/vault"
)

const (
	defaultTokenTTL = 12 * time.Hour
	recordSource    = "auth"
)

// Service is the token and session validator. Every operation executes
// against the vault as one logical unit; the store serializes
// contending writers per identity key.
type Service struct {
	store    vault.Store
	limiter  *ratelimit.Limiter
	policies *policy.Resolver
	secret   []byte
	now      func() time.Time

	tokenTTL      time.Duration
	enforceTenant bool
	limitTokens   bool
	autoExtend    time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithTokenTTL configures issued-token lifetime.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
		return nil
	}
}

// WithTenantEnforcement toggles cross-tenant denial. The baseline
// migration path runs with enforcement off; steady state runs with it
// on.
func WithTenantEnforcement(on bool) ServiceOption {
	return func(s *Service) error {
		s.enforceTenant = on
		return nil
	}
}

// WithTokenRateLimit toggles the per-(tenant, token) admission check
// inside Validate.
func WithTokenRateLimit(on bool) ServiceOption {
	return func(s *Service) error {
		s.limitTokens = on
		return nil
	}
}

// WithAutoExtend makes Validate push the expiry out by a full TTL when
// an otherwise-valid token is within the given window of expiring.
// Zero disables extension.
func WithAutoExtend(window time.Duration) ServiceOption {
	return func(s *Service) error {
		if window >= 0 {
			s.autoExtend = window
		}
		return nil
	}
}

// NewService constructs the validator. The secret signs token
// envelopes and must be non-empty.
func NewService(store vault.Store, limiter *ratelimit.Limiter, policies *policy.Resolver, secret string, opts ...ServiceOption) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is required")
	}
	svc := &Service{
		store:         store,
		limiter:       limiter,
		policies:      policies,
		secret:        []byte(secret),
		now:           time.Now,
		tokenTTL:      defaultTokenTTL,
		enforceTenant: true,
		limitTokens:   true,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// CreateTenant onboards a tenant. Tenants are never hard-deleted;
// DeactivateTenant historizes them instead.
func (s *Service) CreateTenant(ctx context.Context, tenantKey, name string) (vault.Hub, error) {
	if strings.TrimSpace(tenantKey) == "" {
		return vault.Hub{}, ErrInvalidInput
	}
	hub, err := s.store.CreateHub(ctx, vault.EntityTenant, vault.SystemTenant, tenantKey, recordSource)
	if err != nil {
		return vault.Hub{}, err
	}
	attrs := map[string]any{"status": StatusActive, "name": name}
	if current, err := s.store.ReadCurrent(ctx, hub.Key); err == nil {
		attrs = mergeAttrs(current.Attributes, attrs)
	}
	if _, _, err := s.store.WriteVersion(ctx, hub.Key, attrs, recordSource); err != nil {
		return vault.Hub{}, err
	}
	return hub, nil
}

// DeactivateTenant soft-deactivates a tenant.
func (s *Service) DeactivateTenant(ctx context.Context, tenantKey string) error {
	hub, err := s.store.FindHub(ctx, vault.EntityTenant, vault.SystemTenant, tenantKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	current, err := s.store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		return err
	}
	attrs := mergeAttrs(current.Attributes, map[string]any{"status": "inactive"})
	_, _, err = s.store.WriteVersion(ctx, hub.Key, attrs, recordSource)
	return err
}

// SetTenantPolicy writes the tenant's security policy attributes.
func (s *Service) SetTenantPolicy(ctx context.Context, tenantKey string, pol policy.Security) error {
	hub, err := s.store.FindHub(ctx, vault.EntityTenant, vault.SystemTenant, tenantKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	current, err := s.store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		return err
	}
	attrs := mergeAttrs(current.Attributes, map[string]any{
		"min_password_length":     pol.MinPasswordLength,
		"lockout_threshold":       pol.LockoutThreshold,
		"session_timeout_minutes": int(pol.SessionTimeout / time.Minute),
		"rate_window_seconds":     int(pol.RateWindow / time.Second),
		"rate_limit":              pol.RateLimit,
		"require_mfa":             pol.RequireMFA,
	})
	_, _, err = s.store.WriteVersion(ctx, hub.Key, attrs, recordSource)
	return err
}

// RegisterUser creates a user under a tenant. The email is the business
// key, so registration is idempotent per (tenant, email).
func (s *Service) RegisterUser(ctx context.Context, tenantKey, email, password string) (vault.Hub, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return vault.Hub{}, ErrInvalidInput
	}
	active, err := s.policies.TenantActive(ctx, tenantKey)
	if err != nil {
		return vault.Hub{}, err
	}
	if !active {
		return vault.Hub{}, fmt.Errorf("%w: tenant is not active", ErrInvalidState)
	}
	pol := s.policies.ForTenant(ctx, tenantKey)
	if len(password) < pol.MinPasswordLength {
		return vault.Hub{}, fmt.Errorf("%w: password shorter than %d characters", ErrPolicyViolation, pol.MinPasswordLength)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return vault.Hub{}, err
	}
	hub, err := s.store.CreateHub(ctx, vault.EntityUser, tenantKey, email, recordSource)
	if err != nil {
		return vault.Hub{}, err
	}
	attrs := map[string]any{
		"email":           email,
		"credential_hash": hash,
		"failed_attempts": 0,
		"locked":          false,
		"status":          StatusActive,
	}
	if _, _, err := s.store.WriteVersion(ctx, hub.Key, attrs, recordSource); err != nil {
		return vault.Hub{}, err
	}
	return hub, nil
}

// Login authenticates credentials and issues a session plus token.
// Every attempt, failed or not, leaves a version in the user's history.
func (s *Service) Login(ctx context.Context, tenantKey, email, password, ip, userAgent string, scopes ...string) (IssuedToken, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	decision, err := s.limiter.CheckAndRecord(ctx, tenantKey, ip, "login")
	if err != nil {
		return IssuedToken{}, err
	}
	if !decision.Allowed {
		return IssuedToken{}, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	userHub, err := s.store.FindHub(ctx, vault.EntityUser, tenantKey, email)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return IssuedToken{}, ErrUnauthorized
		}
		return IssuedToken{}, err
	}
	current, err := s.store.ReadCurrent(ctx, userHub.Key)
	if err != nil {
		return IssuedToken{}, err
	}
	if locked, _ := current.Attributes["locked"].(bool); locked {
		return IssuedToken{}, ErrLocked
	}

	pol := s.policies.ForTenant(ctx, tenantKey)
	credHash, _ := current.Attributes["credential_hash"].(string)
	if VerifyPassword(credHash, password) != nil {
		failed, locked, werr := s.recordFailedAttempt(ctx, userHub.Key, pol.LockoutThreshold)
		if werr != nil {
			return IssuedToken{}, werr
		}
		if locked {
			audit.Security(ctx, audit.SecurityAccountLocked, map[string]any{
				"tenant_key": tenantKey,
				"user_key":   userHub.Key,
				"attempts":   failed,
			})
		}
		return IssuedToken{}, ErrUnauthorized
	}

	now := s.now().UTC()
	attrs := mergeAttrs(current.Attributes, map[string]any{
		"failed_attempts": 0,
		"locked":          false,
		"last_login":      now.Format(time.RFC3339Nano),
	})
	if _, _, err := s.store.WriteVersion(ctx, userHub.Key, attrs, recordSource); err != nil {
		return IssuedToken{}, err
	}

	sessionHub, err := s.store.CreateHub(ctx, vault.EntitySession, tenantKey, ids.New(), recordSource)
	if err != nil {
		return IssuedToken{}, err
	}
	sessionAttrs := map[string]any{
		"status":        StatusActive,
		"started_at":    now.Format(time.RFC3339Nano),
		"last_activity": now.Format(time.RFC3339Nano),
		"ip":            ip,
		"user_agent":    userAgent,
	}
	if _, _, err := s.store.WriteVersion(ctx, sessionHub.Key, sessionAttrs, recordSource); err != nil {
		return IssuedToken{}, err
	}
	if _, err := s.store.CreateLink(ctx, vault.LinkUserSession, tenantKey, userHub.Key, sessionHub.Key, recordSource); err != nil {
		return IssuedToken{}, err
	}

	signed, claims, err := s.mintToken(tenantKey, sessionHub.Key, scopes, now, s.tokenTTL)
	if err != nil {
		return IssuedToken{}, err
	}
	hash := TokenHash(signed)
	tokenHub, err := s.store.CreateHub(ctx, vault.EntityToken, tenantKey, hash, recordSource)
	if err != nil {
		return IssuedToken{}, err
	}
	tokenAttrs := map[string]any{
		"secret_hash": hash,
		"status":      StatusActive,
		"issued_at":   now.Format(time.RFC3339Nano),
		"expires_at":  claims.ExpiresAt.Time.UTC().Format(time.RFC3339Nano),
		"revoked":     false,
		"scopes":      scopes,
	}
	if _, _, err := s.store.WriteVersion(ctx, tokenHub.Key, tokenAttrs, recordSource); err != nil {
		return IssuedToken{}, err
	}
	if _, err := s.store.CreateLink(ctx, vault.LinkSessionToken, tenantKey, sessionHub.Key, tokenHub.Key, recordSource); err != nil {
		return IssuedToken{}, err
	}

	return IssuedToken{
		Token:      signed,
		TokenKey:   tokenHub.Key,
		SessionKey: sessionHub.Key,
		UserKey:    userHub.Key,
		ExpiresAt:  claims.ExpiresAt.Time.UTC(),
	}, nil
}

// credentialWriteRetries bounds recovery from contending writers on
// the failed-attempts counter.
const credentialWriteRetries = 5

// recordFailedAttempt increments the lockout counter with a
// compare-and-swap on the version it read, so simultaneous failed
// logins cannot under-count each other. Reports the attempt count and
// whether the account crossed the lockout threshold on this write.
func (s *Service) recordFailedAttempt(ctx context.Context, userKey string, threshold int) (int, bool, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.store.ReadCurrent(ctx, userKey)
		if err != nil {
			return 0, false, err
		}
		failed, _ := intAttr(current.Attributes, "failed_attempts")
		failed++
		locked := failed >= threshold
		attrs := mergeAttrs(current.Attributes, map[string]any{
			"failed_attempts": failed,
			"locked":          locked,
		})
		_, _, err = s.store.WriteVersionIf(ctx, userKey, current.ID, attrs, recordSource)
		if err == nil {
			return failed, locked, nil
		}
		if !errors.Is(err, vault.ErrConflict) || attempt >= credentialWriteRetries {
			return 0, false, err
		}
	}
}

// Validate runs the full validation chain and records a session
// heartbeat on success. The returned error covers store failures only;
// a rejected token is a Result, not an error.
func (s *Service) Validate(ctx context.Context, req Request) (Result, error) {
	res, err := s.validate(ctx, req)
	if err != nil {
		obs.ValidationsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	outcome := res.Reason
	if res.Valid {
		outcome = "valid"
	}
	obs.ValidationsTotal.WithLabelValues(outcome).Inc()
	return res, nil
}

func (s *Service) validate(ctx context.Context, req Request) (Result, error) {
	if _, err := s.parseToken(req.Token); err != nil {
		// Forged or garbled envelope. Indistinguishable from an
		// unknown token on purpose.
		return Result{Reason: ReasonTokenNotFound}, nil
	}

	hash := TokenHash(req.Token)
	tokenHub, err := s.store.FindHubAny(ctx, vault.EntityToken, hash)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return Result{Reason: ReasonTokenNotFound}, nil
		}
		return Result{}, err
	}

	if req.TenantHint != "" && req.TenantHint != tokenHub.TenantKey {
		if s.enforceTenant {
			audit.Security(ctx, audit.SecurityCrossTenantDenied, map[string]any{
				"token_tenant": tokenHub.TenantKey,
				"hint_tenant":  req.TenantHint,
				"ip":           req.IP,
			})
			return Result{Reason: ReasonTokenNotFound, CrossTenantBlocked: true}, nil
		}
	}

	if s.limitTokens {
		decision, err := s.limiter.CheckToken(ctx, tokenHub.TenantKey, hash, req.Endpoint)
		if err != nil {
			return Result{}, err
		}
		if !decision.Allowed {
			return Result{Reason: ReasonRateLimited}, nil
		}
	}

	current, err := s.store.ReadCurrent(ctx, tokenHub.Key)
	if err != nil {
		if errors.Is(err, vault.ErrNoActiveVersion) || errors.Is(err, vault.ErrNotFound) {
			return Result{Reason: ReasonTokenNotFound}, nil
		}
		return Result{}, err
	}
	if revoked, _ := current.Attributes["revoked"].(bool); revoked {
		return Result{Reason: ReasonRevoked}, nil
	}
	now := s.now().UTC()
	expiresAt, _ := timeAttr(current.Attributes, "expires_at")
	if !expiresAt.IsZero() && expiresAt.Before(now) {
		return Result{Reason: ReasonExpired}, nil
	}

	pol := s.policies.ForTenant(ctx, tokenHub.TenantKey)

	sessionKey := ""
	if links, err := s.store.OpenLinks(ctx, vault.LinkSessionToken, tokenHub.Key); err != nil {
		return Result{}, err
	} else if len(links) > 0 {
		sessionKey = otherSide(links[0], tokenHub.Key)
	}

	userKey := ""
	if sessionKey != "" {
		sessionCurrent, err := s.store.ReadCurrent(ctx, sessionKey)
		if err != nil {
			if !errors.Is(err, vault.ErrNoActiveVersion) {
				return Result{}, err
			}
			return Result{Reason: ReasonSessionTimeout}, nil
		}
		status, _ := sessionCurrent.Attributes["status"].(string)
		lastActivity, _ := timeAttr(sessionCurrent.Attributes, "last_activity")
		switch {
		case status != StatusActive:
			return Result{Reason: ReasonSessionTimeout}, nil
		case !lastActivity.IsZero() && now.Sub(lastActivity) > pol.SessionTimeout:
			// Record the timeout transition before rejecting.
			expired := mergeAttrs(sessionCurrent.Attributes, map[string]any{"status": StatusExpired})
			if _, _, werr := s.store.WriteVersion(ctx, sessionKey, expired, recordSource); werr != nil {
				return Result{}, werr
			}
			return Result{Reason: ReasonSessionTimeout}, nil
		}

		// Heartbeat: close the prior activity record, open a new one.
		heartbeat := mergeAttrs(sessionCurrent.Attributes, map[string]any{
			"last_activity": now.Format(time.RFC3339Nano),
			"ip":            req.IP,
			"user_agent":    req.UserAgent,
		})
		if _, _, err := s.store.WriteVersion(ctx, sessionKey, heartbeat, recordSource); err != nil {
			return Result{}, err
		}

		if links, err := s.store.OpenLinks(ctx, vault.LinkUserSession, sessionKey); err != nil {
			return Result{}, err
		} else if len(links) > 0 {
			userKey = otherSide(links[0], sessionKey)
		}
	}

	extended := false
	if s.autoExtend > 0 && !expiresAt.IsZero() && expiresAt.Sub(now) < s.autoExtend {
		expiresAt = now.Add(s.tokenTTL)
		attrs := mergeAttrs(current.Attributes, map[string]any{
			"expires_at": expiresAt.Format(time.RFC3339Nano),
		})
		if _, _, err := s.store.WriteVersion(ctx, tokenHub.Key, attrs, recordSource); err != nil {
			return Result{}, err
		}
		extended = true
	}

	return Result{
		Valid:       true,
		UserKey:     userKey,
		TenantKey:   tokenHub.TenantKey,
		Permissions: stringSliceAttr(current.Attributes, "scopes"),
		ExpiresAt:   expiresAt,
		MFARequired: pol.RequireMFA,
		Extended:    extended,
	}, nil
}

// Revoke closes the current token version and writes a revoked one.
// Returns false when the token is unknown or already inactive.
func (s *Service) Revoke(ctx context.Context, tokenValue, reason, revokedBy string) (bool, error) {
	hub, err := s.store.FindHubAny(ctx, vault.EntityToken, TokenHash(tokenValue))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	current, err := s.store.ReadCurrent(ctx, hub.Key)
	if err != nil {
		if errors.Is(err, vault.ErrNoActiveVersion) {
			return false, nil
		}
		return false, err
	}
	if revoked, _ := current.Attributes["revoked"].(bool); revoked {
		return false, nil
	}
	if status, _ := current.Attributes["status"].(string); status != StatusActive {
		return false, nil
	}
	attrs := mergeAttrs(current.Attributes, map[string]any{
		"revoked":        true,
		"revoked_reason": reason,
		"revoked_by":     revokedBy,
		"status":         StatusRevoked,
	})
	if _, _, err := s.store.WriteVersion(ctx, hub.Key, attrs, recordSource); err != nil {
		return false, err
	}
	return true, nil
}

// BulkExpire closes out tokens whose expiry has elapsed, as a single
// batch write for cleanup jobs. Reports count processed and elapsed
// time.
func (s *Service) BulkExpire(ctx context.Context, tokenValues []string) (BulkExpireResult, error) {
	start := time.Now()
	now := s.now().UTC()

	var writes []vault.VersionWrite
	for _, value := range tokenValues {
		hub, err := s.store.FindHubAny(ctx, vault.EntityToken, TokenHash(value))
		if err != nil {
			continue
		}
		current, err := s.store.ReadCurrent(ctx, hub.Key)
		if err != nil {
			continue
		}
		if status, _ := current.Attributes["status"].(string); status != StatusActive {
			continue
		}
		expiresAt, _ := timeAttr(current.Attributes, "expires_at")
		if expiresAt.IsZero() || expiresAt.After(now) {
			continue
		}
		writes = append(writes, vault.VersionWrite{
			HubKey:       hub.Key,
			Attributes:   mergeAttrs(current.Attributes, map[string]any{"status": StatusExpired}),
			RecordSource: recordSource,
		})
	}

	expired, err := s.store.WriteVersionBatch(ctx, writes)
	if err != nil {
		return BulkExpireResult{}, err
	}
	res := BulkExpireResult{
		Processed: len(tokenValues),
		Expired:   expired,
		Elapsed:   time.Since(start),
	}
	obs.LogEntry(map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"type":       "token_cleanup",
		"processed":  res.Processed,
		"expired":    res.Expired,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
	return res, nil
}

// Heartbeat records session activity outside the validation path.
func (s *Service) Heartbeat(ctx context.Context, sessionKey, ip, userAgent string) error {
	current, err := s.store.ReadCurrent(ctx, sessionKey)
	if err != nil {
		return err
	}
	if status, _ := current.Attributes["status"].(string); status != StatusActive {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, status)
	}
	attrs := mergeAttrs(current.Attributes, map[string]any{
		"last_activity": s.now().UTC().Format(time.RFC3339Nano),
		"ip":            ip,
		"user_agent":    userAgent,
	})
	_, _, err = s.store.WriteVersion(ctx, sessionKey, attrs, recordSource)
	return err
}

func otherSide(link vault.Link, key string) string {
	if link.LeftKey == key {
		return link.RightKey
	}
	return link.LeftKey
}

func mergeAttrs(current, overrides map[string]any) map[string]any {
	res := make(map[string]any, len(current)+len(overrides))
	for k, v := range current {
		res[k] = v
	}
	for k, v := range overrides {
		res[k] = v
	}
	return res
}

func intAttr(attrs map[string]any, key string) (int, bool) {
	switch v := attrs[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func timeAttr(attrs map[string]any, key string) (time.Time, bool) {
	s, ok := attrs[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func stringSliceAttr(attrs map[string]any, key string) []string {
	switch v := attrs[key].(type) {
	case []string:
		return v
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	default:
		return nil
	}
}
