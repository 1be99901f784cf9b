// Package health serves the liveness, readiness and status endpoints of the mirrorlive
// helper.
//
//   - /healthz: liveness check; always returns 200 OK.
//   - /readyz: readiness check; returns 200 only when every registered
//     [Checker] passes. Checkers run concurrently.
//   - /statusz: the current session status reported by a [StatusFunc].
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name labels the check in the response (e.g. "capture", "nats").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Status is the session summary served by /statusz.
type Status struct {
	State     string `json:"state"`
	Recording bool   `json:"recording"`
}

// StatusFunc reports the current session status.
type StatusFunc func() Status

type result struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Session *Status           `json:"session,omitempty"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	status   StatusFunc
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithStatus sets the function backing /statusz and returns h.
func (h *Handler) WithStatus(fn StatusFunc) *Handler {
	h.status = fn
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Statusz serves the session status, or 404 when no [StatusFunc] is set.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	st := h.status()
	writeJSON(w, http.StatusOK, result{Status: "ok", Session: &st})
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
