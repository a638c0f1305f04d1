// Package health serves the liveness and readiness probes.
//
//   - GET /healthz always answers 200 while the process can serve HTTP.
//   - GET /readyz answers 200 only when every registered [Checker] passes.
//
// Both return a JSON object with a "status" field ("ok" or "fail"); /readyz
// adds a "checks" map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is implemented by dependencies that can be probed directly, such as
// the speech cache index.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker returns a [Checker] that calls p.Ping.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// FuncChecker returns a [Checker] that fails with msg whenever ok returns false.
func FuncChecker(name, msg string, ok func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ok() {
			return errors.New(msg)
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Checkers may be added while serving.
type Handler struct {
	timeout time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		timeout:  DefaultCheckTimeout,
		checkers: append([]Checker(nil), checkers...),
	}
}

// Add registers another checker.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each with its own timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	errs := make([]error, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(checkers))}
	status := http.StatusOK
	for i, c := range checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
