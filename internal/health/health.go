// Package health serves the liveness and readiness probes for the request
// server.
//
//   - GET /healthz answers 200 whenever the process can serve HTTP.
//   - GET /readyz answers 200 only while every registered [Checker] passes,
//     and 503 otherwise.
//
// The server registers checkers for its hard dependencies (the SQLite store,
// the Redis session store, the entity mirror); a satellite should not route
// utterances to an instance whose /readyz fails.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil while the dependency can
// serve requests and must respect context cancellation.
type Checker struct {
	// Name keys the check in the /readyz response, e.g. "store" or "mirror".
	Name string

	Check func(ctx context.Context) error
}

// report is the response body for both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the two probe endpoints. The checker list is fixed at
// construction, so Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given checkers. /readyz evaluates them
// sequentially in the order given.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe. Reaching it at all proves the process is
// alive, so it always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz is the readiness probe. Every checker runs with a [checkTimeout]
// deadline derived from the request context; one failure turns the whole
// response into a 503 with the per-check detail in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := report{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	code := http.StatusOK

	for _, c := range h.checkers {
		if err := h.runCheck(r.Context(), c); err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, code, res)
}

func (h *Handler) runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
