package audit

import (
	"context"
	"time"

	"tessera.org/internal/obs"
)

// Security event kinds consumed by the monitoring collaborator.
const (
	SecuritySuspicious        = "suspicious_activity"
	SecurityBlocked           = "rate_limit_blocked"
	SecurityCrossTenantDenied = "cross_tenant_blocked"
	SecurityAccountLocked     = "account_locked"
)

// Security emits a structured security event. These are observability
// output only; they never influence the decision that triggered them.
func Security(ctx context.Context, kind string, fields map[string]any) {
	obs.SecurityEvents.WithLabelValues(kind).Inc()
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "security",
		"event": kind,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if len(fields) > 0 {
		entry["fields"] = fields
	}
	obs.LogEntry(entry)
}
