// Package web is the HTTP facade: job submission, queue admin, read-only
// listings and per-run log streaming. It is a thin layer; every decision
// lives in the services it fronts.
package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/jobs"
	"github.com/eventscope/eventscope/logbus"
	"github.com/eventscope/eventscope/models"
	"github.com/eventscope/eventscope/modules"
	"github.com/eventscope/eventscope/queue"

	"github.com/google/uuid"
)

// JobService is the submission surface the handlers need; satisfied by
// jobs.Service.
type JobService interface {
	SubmitScrape(ctx context.Context, sourceID uuid.UUID, opts jobs.ScrapeOptions) (models.Run, error)
	SubmitInstagramFetch(ctx context.Context, sourceID uuid.UUID, postLimit int) (models.Run, error)
	SubmitMatch(ctx context.Context, payload models.MatchPayload) (string, error)
	QueueStatus() (map[string]queue.Counts, error)
	RetryJob(jobID string) error
	CleanQueues() error
}

// SettingsService reads and writes the settings singleton; satisfied by
// config.SettingsCache.
type SettingsService interface {
	Settings(ctx context.Context) (models.Settings, error)
	UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error)
}

// Dependencies aggregates the shared services used by the handlers.
type Dependencies struct {
	Logger   *zap.Logger
	DB       *sql.DB // health check only; nil skips the ping
	Sources  models.SourceRepository
	Runs     models.RunRepository
	Matches  models.MatchRepository
	Settings SettingsService
	Jobs     JobService
	Registry *modules.Registry
	Bus      logbus.Bus
}

// Server is the HTTP server plus its routes.
type Server struct {
	deps Dependencies
	srv  *http.Server
}

// New builds the server for addr.
func New(addr string, deps Dependencies) *Server {
	s := &Server{deps: deps}

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.router(),
		// No WriteTimeout: SSE connections are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/scrape", s.submitScrape).Methods(http.MethodPost)
	api.HandleFunc("/match", s.submitMatch).Methods(http.MethodPost)
	api.HandleFunc("/instagram/fetch", s.submitInstagramFetch).Methods(http.MethodPost)
	api.HandleFunc("/queue/status", s.queueStatus).Methods(http.MethodGet)
	api.HandleFunc("/queue/retry/{jobId}", s.retryJob).Methods(http.MethodPost)
	api.HandleFunc("/queue/clean", s.cleanQueues).Methods(http.MethodPost)
	api.HandleFunc("/sources", s.listSources).Methods(http.MethodGet)
	api.HandleFunc("/sources", s.createSource).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.getRun).Methods(http.MethodGet)
	api.HandleFunc("/matches", s.listMatches).Methods(http.MethodGet)
	api.HandleFunc("/matches/{id}/status", s.updateMatchStatus).Methods(http.MethodPost)
	api.HandleFunc("/modules", s.listModules).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.updateSettings).Methods(http.MethodPatch)

	r.HandleFunc("/logs/stream/{runId}", s.streamLogs).Methods(http.MethodGet)
	r.HandleFunc("/logs/history/{runId}", s.logHistory).Methods(http.MethodGet)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.deps.Logger.Info("http server listening", zap.String("addr", s.srv.Addr))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// apiError is the only error shape the API emits; internals never leak
// verbatim beyond details.
type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func renderError(w http.ResponseWriter, code int, msg, details string) {
	renderJSON(w, code, apiError{Error: msg, Details: details})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	dbStatus := "not_configured"

	if s.deps.DB != nil {
		dbStatus = "healthy"
		if err := s.deps.DB.Ping(); err != nil {
			dbStatus = "unhealthy"
		}
	}

	renderJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": dbStatus,
	})
}
