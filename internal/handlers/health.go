package handlers

import (
	"context"
	"net/http"
	"time"
)

// ReadinessCheck probes one backing dependency for the /readyz endpoint.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	startedAt time.Time
	version   string
	clock     func() time.Time
	checks    []ReadinessCheck

	checkTimeout time.Duration
}

// HealthOption customises the health handlers before construction.
type HealthOption func(*HealthHandlers)

const defaultCheckTimeout = 5 * time.Second

// NewHealthHandlers constructs handlers for /healthz and /readyz.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		startedAt:    time.Now().UTC(),
		clock:        func() time.Time { return time.Now().UTC() },
		checkTimeout: defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithHealthVersion sets the version string reported by the probes.
func WithHealthVersion(version string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
	}
}

// WithHealthClock overrides the time source used for uptime reporting.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthStartedAt overrides the process start time used for uptime reporting.
func WithHealthStartedAt(startedAt time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.startedAt = startedAt
	}
}

// WithReadinessCheck registers a dependency probe executed by /readyz.
func WithReadinessCheck(name string, check func(ctx context.Context) error) HealthOption {
	return func(h *HealthHandlers) {
		if check == nil {
			return
		}
		h.checks = append(h.checks, ReadinessCheck{Name: name, Check: check})
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	payload := map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.version != "" {
		payload["version"] = h.version
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz runs every registered dependency probe and fails closed on the first error.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	status := http.StatusOK
	overall := "ready"

	for _, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
		err := check.Check(ctx)
		cancel()
		if err != nil {
			results[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			overall = "unavailable"
			continue
		}
		results[check.Name] = "ok"
	}

	payload := map[string]any{
		"status": overall,
		"checks": results,
	}
	writeJSONResponse(w, status, payload)
}
