// Package api serves the run, findings and debug endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/monitoring"
	"github.com/sells-group/evidence-cli/internal/runner"
	"github.com/sells-group/evidence-cli/internal/store"
)

// Runs is the run tracker as seen by the API.
type Runs interface {
	Submit(ctx context.Context, kind model.RunKind, projectID string, request any) (*model.Run, error)
	Get(ctx context.Context, runID string) (*model.Run, error)
	Cancel(runID string)
}

// Reader is the read side of the store the API exposes.
type Reader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListFindings(ctx context.Context, projectID string) ([]model.Finding, error)
	ListShadowDiffs(ctx context.Context, filter store.ShadowDiffFilter) ([]model.ShadowDiffRecord, error)
	GetRuleSet(ctx context.Context, version string) (*model.RuleSet, error)
	Ping(ctx context.Context) error
}

// Deps wires the server to the rest of the process.
type Deps struct {
	Runs      Runs
	Store     Reader
	Cutover   runner.ConfigSource
	Retriever extract.Retriever
	Plans     runner.PlanSource
	Metrics   *monitoring.Collector
	// LookbackHours is the window for /debug/metrics.
	LookbackHours int
	CORSOrigins   []string
}

// Server holds the handlers.
type Server struct {
	deps Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	if deps.LookbackHours <= 0 {
		deps.LookbackHours = 24
	}
	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Post("/extractions", s.submitExtraction)
		r.Post("/reviews", s.submitReview)
		r.Get("/findings", s.listFindings)
	})

	r.Get("/runs", s.listRuns)
	r.Get("/runs/{runID}", s.getRun)
	r.Post("/runs/{runID}/cancel", s.cancelRun)

	r.Route("/debug", func(r chi.Router) {
		r.Get("/cutover", s.resolveCutover)
		r.Post("/retrieve", s.debugRetrieve)
		r.Get("/runs/{runID}", s.debugRun)
		r.Get("/shadow-diffs", s.listShadowDiffs)
		r.Get("/metrics", s.metrics)
	})

	return r
}

// NewHTTPServer wraps the router with the timeouts the service runs with.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
