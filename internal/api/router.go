// Package api implements the HTTP contract spec.md §4.8 describes: JSON
// over loopback HTTP, bit-exact methods and paths. It is a thin translation
// layer onto the Scheduler; it holds no state of its own beyond routing,
// mirroring how the teacher's internal/handlers/router.go builds a single
// *http.ServeMux with CORS and logging wrapped around it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/gflowd/internal/metrics"
	"github.com/catalystcommunity/gflowd/internal/scheduler"
	"github.com/rs/cors"
)

// Server adapts a *scheduler.Scheduler onto the HTTP contract.
type Server struct {
	sched *scheduler.Scheduler

	// RequestShutdown is invoked by the /shutdown handler after the
	// response is queued; the daemon sets this to its own graceful-stop
	// routine (spec.md §5: "stop accepting new work, save state once
	// more, then return").
	RequestShutdown func(ctx context.Context)
}

// NewServer creates a Server bound to sched.
func NewServer(sched *scheduler.Scheduler) *Server {
	return &Server{sched: sched}
}

// Handler returns the fully wired http.Handler: CORS, request logging and
// metrics, then the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("POST /jobs/batch", s.handleSubmitBatch)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /jobs/{id}/hold", s.handleHold)
	mux.HandleFunc("POST /jobs/{id}/release", s.handleRelease)
	mux.HandleFunc("GET /gpus", s.handleGetGPUs)
	mux.HandleFunc("POST /gpus/allowed", s.handleSetAllowedGPUs)
	mux.HandleFunc("POST /groups/{gid}/limit", s.handleSetGroupLimit)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.Handle("GET /metrics", metrics.Handler())

	withCORS := cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(mux)

	return s.loggingMiddleware(withCORS)
}

// statusRecorder captures the status code written so logging/metrics
// middleware can report it after the handler runs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs and records metrics for every request, mirroring
// the teacher router's wrapping of each handler with request logging.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		logging.Log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", rec.status).
			WithField("elapsed_ms", elapsed.Milliseconds()).
			Debug("api: request handled")
		metrics.RecordAPIRequest(r.Method, route, http.StatusText(rec.status), elapsed.Seconds())
	})
}
