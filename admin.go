package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type status struct {
	Sweeping   bool         `json:"sweeping"`
	LastReport *SweepReport `json:"lastReport"`
}

// Handler returns the admin API of the reconciler.
// Sweeps started through it run with ctx, which should live as long as the process.
//
//	GET  /healthz  liveness
//	GET  /metrics  Prometheus metrics
//	POST /sweep    start a sweep now (409 if one is running)
//	GET  /status   whether a sweep is running and the last sweep report
func (r *Reconciler) Handler(ctx context.Context) http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	})
	router.Method(http.MethodGet, "/metrics", r.metrics.Handler())
	router.Post("/sweep", func(w http.ResponseWriter, req *http.Request) {
		if !r.TriggerSweep(ctx) {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, "Sweep already in progress")
			return
		}
		r.log.Info().Str("remote", req.RemoteAddr).Msg("Sweep triggered over admin API")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "Sweeping all entries...")
	})
	router.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(status{
			Sweeping:   r.Sweeping(),
			LastReport: r.LastReport(),
		})
		if err != nil {
			r.log.Error().Err(err).Msg("Error writing status")
		}
	})
	return router
}
