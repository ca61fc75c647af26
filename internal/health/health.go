// Package health serves the liveness and readiness probes of the overlay
// server.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] concurrently and answers 200 only when all of them
// pass. Both reply with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil while the
// dependency is usable.
type Checker struct {
	// Name keys the check in the report, e.g. "credential" or "hostbridge".
	Name string

	// Check must honour ctx cancellation.
	Check func(ctx context.Context) error
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	log      *slog.Logger

	// notReady is set while the last readiness run failed, so transitions
	// are logged once instead of per probe.
	notReady atomic.Bool
}

// New creates a [Handler] evaluating checkers on each /readyz request. A nil
// log defaults to [slog.Default].
func New(log *slog.Logger, checkers ...Checker) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{checkers: append([]Checker(nil), checkers...), log: log}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Check runs all checkers concurrently, each bounded by [checkTimeout], and
// returns the combined report.
func (h *Handler) Check(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = CheckResult{Status: "ok", DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	var failed []string
	for i, c := range h.checkers {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			rep.Status = "fail"
			failed = append(failed, c.Name)
		}
	}

	switch {
	case len(failed) > 0 && !h.notReady.Swap(true):
		h.log.Warn("health: not ready", "failed", failed)
	case len(failed) == 0 && h.notReady.Swap(false):
		h.log.Info("health: ready")
	}
	return rep
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
