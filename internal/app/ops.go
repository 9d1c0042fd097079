package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fable-audio/fablevoice/internal/observe"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// checker is a named readiness probe.
type checker struct {
	name  string
	check func(ctx context.Context) error
}

// healthResult is the JSON response body for the health endpoints.
type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OpsHandler serves the operational endpoints:
//
//   - /metrics — Prometheus scrape endpoint.
//   - /healthz — liveness probe; always 200 while the process serves HTTP.
//   - /readyz  — readiness probe; 200 only when the story is loaded and the
//     save store answers.
//
// All routes run through the observe middleware for request metrics and
// trace context.
func (a *App) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResult{Status: "ok"})
	})
	mux.HandleFunc("GET /readyz", a.readyz)
	return observe.Middleware(a.metrics)(mux)
}

// readyz evaluates the readiness checkers sequentially, each with its own
// timeout derived from the request context.
func (a *App) readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	allOK := true

	for _, c := range a.checkers() {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.check(ctx)
		cancel()

		if err != nil {
			checks[c.name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.name] = "ok"
		}
	}

	res := healthResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// checkers builds the readiness probes for this app's wiring.
func (a *App) checkers() []checker {
	cs := []checker{
		{name: "story", check: func(context.Context) error {
			if a.coord.CurrentNode() == nil {
				return errors.New("story not loaded")
			}
			return nil
		}},
	}
	if a.store != nil {
		cs = append(cs, checker{name: "state", check: func(ctx context.Context) error {
			_, err := a.store.Load(ctx)
			return err
		}})
	}
	return cs
}

// writeJSON encodes v as JSON with the given status code. On encoding
// failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
