// Package shadow runs two validator implementations against the same
// request and records outcome and latency deltas. It exists to de-risk
// a validator cutover; it is not part of the steady-state path.
package shadow

import (
	"context"
	"strconv"
	"sync"
	"time"

	"tessera.org/internal/auth"
	"tessera.org/internal/obs"
)

// Validator is the surface both implementations expose.
type Validator interface {
	Validate(ctx context.Context, req auth.Request) (auth.Result, error)
}

// Comparison is one side-by-side record.
type Comparison struct {
	At               time.Time
	Endpoint         string
	Baseline         auth.Result
	Enhanced         auth.Result
	BaselineErr      string
	EnhancedErr      string
	BaselineLatency  time.Duration
	EnhancedLatency  time.Duration
	Agree            bool
	AutoExtended     bool
	CrossTenantDelta bool
}

// Recorder persists comparisons.
type Recorder interface {
	Record(ctx context.Context, c Comparison) error
}

// MemoryRecorder keeps comparisons in process, for tests and short
// migration runs.
type MemoryRecorder struct {
	mu   sync.Mutex
	recs []Comparison
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (r *MemoryRecorder) Record(ctx context.Context, c Comparison) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, c)
	return nil
}

// Comparisons returns a copy of everything recorded so far.
func (r *MemoryRecorder) Comparisons() []Comparison {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]Comparison, len(r.recs))
	copy(res, r.recs)
	return res
}

// LogRecorder writes each comparison as a structured log line for the
// monitoring collaborator.
type LogRecorder struct{}

func (LogRecorder) Record(ctx context.Context, c Comparison) error {
	obs.LogEntry(map[string]any{
		"ts":                 c.At.Format(time.RFC3339Nano),
		"type":               "shadow_comparison",
		"endpoint":           c.Endpoint,
		"agree":              c.Agree,
		"baseline_valid":     c.Baseline.Valid,
		"baseline_reason":    c.Baseline.Reason,
		"enhanced_valid":     c.Enhanced.Valid,
		"enhanced_reason":    c.Enhanced.Reason,
		"baseline_ms":        c.BaselineLatency.Milliseconds(),
		"enhanced_ms":        c.EnhancedLatency.Milliseconds(),
		"auto_extended":      c.AutoExtended,
		"cross_tenant_delta": c.CrossTenantDelta,
		"baseline_err":       c.BaselineErr,
		"enhanced_err":       c.EnhancedErr,
	})
	return nil
}

// Harness wraps a baseline validator with an enhanced one. The baseline
// outcome is always the one returned to the caller.
type Harness struct {
	baseline Validator
	enhanced Validator
	recorder Recorder
	now      func() time.Time
}

func NewHarness(baseline, enhanced Validator, recorder Recorder) *Harness {
	return &Harness{
		baseline: baseline,
		enhanced: enhanced,
		recorder: recorder,
		now:      time.Now,
	}
}

// Validate runs both paths on the same input and records the delta.
// Recorder failures are swallowed: the harness must never change the
// answer the caller would have gotten without it.
func (h *Harness) Validate(ctx context.Context, req auth.Request) (auth.Result, error) {
	start := h.now()
	baseRes, baseErr := h.baseline.Validate(ctx, req)
	baseLatency := h.now().Sub(start)

	enhStart := h.now()
	enhRes, enhErr := h.enhanced.Validate(ctx, req)
	enhLatency := h.now().Sub(enhStart)

	c := Comparison{
		At:               h.now().UTC(),
		Endpoint:         req.Endpoint,
		Baseline:         baseRes,
		Enhanced:         enhRes,
		BaselineLatency:  baseLatency,
		EnhancedLatency:  enhLatency,
		Agree:            baseRes.Valid == enhRes.Valid && (baseErr == nil) == (enhErr == nil),
		AutoExtended:     enhRes.Extended,
		CrossTenantDelta: enhRes.CrossTenantBlocked && baseRes.Valid,
	}
	if baseErr != nil {
		c.BaselineErr = baseErr.Error()
	}
	if enhErr != nil {
		c.EnhancedErr = enhErr.Error()
	}

	obs.ShadowComparisons.WithLabelValues(strconv.FormatBool(c.Agree)).Inc()
	obs.ShadowLatency.WithLabelValues("baseline").Observe(baseLatency.Seconds())
	obs.ShadowLatency.WithLabelValues("enhanced").Observe(enhLatency.Seconds())

	if h.recorder != nil {
		_ = h.recorder.Record(ctx, c)
	}
	return baseRes, baseErr
}

var _ Validator = (*Harness)(nil)
