// Package health serves liveness, readiness and status probes. Readiness runs
// every registered dependency check concurrently under a shared timeout.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"proz/pkg/platform/httputil"

	"github.com/go-chi/chi/v5"
)

// Version is set at build time via ldflags.
var Version = "dev"

const defaultCheckTimeout = 2 * time.Second

// CheckFunc returns nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn       CheckFunc
	optional bool
}

type Handler struct {
	startTime   time.Time
	environment string
	timeout     time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	checks map[string]check
}

type Option func(*Handler)

// WithCheckTimeout bounds how long readiness waits for all checks.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func New(environment string, opts ...Option) *Handler {
	h := &Handler{
		environment: environment,
		timeout:     defaultCheckTimeout,
		now:         time.Now,
		checks:      make(map[string]check),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startTime = h.now()
	return h
}

// RegisterCheck adds a dependency whose failure makes the service not ready.
func (h *Handler) RegisterCheck(name string, fn CheckFunc) {
	h.register(name, check{fn: fn})
}

// RegisterOptionalCheck adds a dependency the service can run without, such
// as a shared counter with an in-process fallback. Its failure reports the
// service as degraded but still ready.
func (h *Handler) RegisterOptionalCheck(name string, fn CheckFunc) {
	h.register(name, check{fn: fn, optional: true})
}

func (h *Handler) register(name string, c check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = c
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.HandleStatus)
	r.Get("/health/live", h.HandleLiveness)
	r.Get("/health/ready", h.HandleReadiness)
}

type LivenessResponse struct {
	Status string `json:"status"`
}

// HandleLiveness answers 200 while the process is serving.
func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, LivenessResponse{Status: "alive"})
}

type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HandleReadiness answers 503 when any required check fails and reports
// "degraded" when only optional checks fail.
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := make(map[string]check, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(checks))
	for name, c := range checks {
		go func() {
			results <- result{name: name, err: c.fn(ctx)}
		}()
	}

	response := ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	requiredDown, optionalDown := false, false
	for range checks {
		res := <-results
		if res.err == nil {
			response.Checks[res.name] = "up"
			continue
		}
		response.Checks[res.name] = "down: " + res.err.Error()
		if checks[res.name].optional {
			optionalDown = true
		} else {
			requiredDown = true
		}
	}

	switch {
	case requiredDown:
		response.Status = "not_ready"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, response)
	case optionalDown:
		response.Status = "degraded"
		httputil.WriteJSON(w, http.StatusOK, response)
	default:
		httputil.WriteJSON(w, http.StatusOK, response)
	}
}

type StatusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Environment   string `json:"environment"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		Status:        "healthy",
		Version:       Version,
		Environment:   h.environment,
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		Timestamp:     now.UTC().Format(time.RFC3339),
	})
}
