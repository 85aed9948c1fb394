package handlers

import (
	"net/http"
	"sort"
	"time"

	domain "github.com/formbridge/api/internal/domain"
	"github.com/formbridge/api/internal/services"
)

// HealthHandlers serves the liveness and readiness probes. Healthz reports
// process metadata only; Readyz consults the system service for dependency
// probe results.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises the health handlers before construction.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the system service used by the readiness probe.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo attaches build metadata to probe responses.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock overrides the clock used for uptime calculations.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs probe handlers with optional system service wiring.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type readyzResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version,omitempty"`
	CommitSHA   string                 `json:"commitSha,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Uptime      string                 `json:"uptime,omitempty"`
	GeneratedAt string                 `json:"generatedAt,omitempty"`
	Checks      map[string]healthCheck `json:"checks"`
	Details     []string               `json:"details,omitempty"`
}

type healthCheck struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

// Healthz reports process liveness without touching external dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()

	payload := healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Timestamp:   now.Format(time.RFC3339),
	}
	if !h.build.StartedAt.IsZero() {
		payload.Uptime = now.Sub(h.build.StartedAt).Round(time.Second).String()
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz aggregates dependency probes. Any non-ok check degrades the response
// to 503 so load balancers stop routing traffic here.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, readyzResponse{
			Status: domain.HealthStatusOK,
			Checks: map[string]healthCheck{},
		})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, readyzResponse{
			Status:  domain.HealthStatusError,
			Checks:  map[string]healthCheck{},
			Details: []string{err.Error()},
		})
		return
	}

	payload := readyzResponse{
		Status:      report.Status,
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		Checks:      map[string]healthCheck{},
	}
	if report.Uptime > 0 {
		payload.Uptime = report.Uptime.Round(time.Second).String()
	}
	if !report.GeneratedAt.IsZero() {
		payload.GeneratedAt = report.GeneratedAt.UTC().Format(time.RFC3339)
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := report.Checks[name]
		entry := healthCheck{
			Status: check.Status,
			Detail: check.Detail,
			Error:  check.Error,
		}
		if check.Latency > 0 {
			entry.LatencyMS = check.Latency.Milliseconds()
		}
		if !check.CheckedAt.IsZero() {
			entry.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		payload.Checks[name] = entry

		if check.Status != domain.HealthStatusOK && check.Status != "" {
			detail := check.Error
			if detail == "" {
				detail = check.Detail
			}
			if detail == "" {
				detail = check.Status
			}
			payload.Details = append(payload.Details, name+": "+detail)
		}
	}

	status := http.StatusOK
	if payload.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, status, payload)
}
