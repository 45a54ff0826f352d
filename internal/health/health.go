// Package health serves the liveness and readiness endpoints of a murmur
// process.
//
//   - /healthz always returns 200 OK while the process can serve HTTP.
//   - /readyz returns 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail"), a "checks" map with one entry per checker, and an optional
// "details" map describing the running session (for example its connection
// state).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultTimeout bounds a single readiness check.
const defaultTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name labels the check in the response ("config", "recognition", ...).
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckers appends readiness checks.
func WithCheckers(checkers ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, checkers...) }
}

// WithTimeout bounds each readiness check. The default is 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithDetails registers fn to add informational fields to every /readyz
// response. Details never affect the status.
func WithDetails(fn func() map[string]string) Option {
	return func(h *Handler) { h.details = fn }
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction; it is safe for concurrent use.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	details  func() map[string]string
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{timeout: defaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under its own timeout derived
// from the request context, and reports 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	if h.details != nil {
		res.Details = h.details()
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
