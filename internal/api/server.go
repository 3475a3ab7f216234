// Package api exposes validation, export and enrichment jobs over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/auth"
	"github.com/medprep/qbank-admin/internal/jobs"
	"github.com/medprep/qbank-admin/internal/model"
)

// Submitter starts processing a queued job. *jobs.Processor satisfies it.
type Submitter interface {
	Submit(ctx context.Context, jobID string, rows []model.Row, batchConcurrency int) error
	Active() []string
}

// Sessions stores validation results between requests. store.Store satisfies it.
type Sessions interface {
	SaveSession(ctx context.Context, sess *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// Config holds server tuning.
type Config struct {
	SessionTTL          time.Duration
	MaxUploadBytes      int64
	MaxBatchConcurrency int
	AllowedOrigins      []string
}

// Deps are the collaborators the server calls.
type Deps struct {
	Jobs       *jobs.Store
	Processor  Submitter
	Sessions   Sessions
	Authorizer auth.Authorizer
}

// Server handles the admin API.
type Server struct {
	jobs     *jobs.Store
	proc     Submitter
	sessions Sessions
	authz    auth.Authorizer
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

// New creates a server.
func New(deps Deps, cfg Config) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.MaxBatchConcurrency <= 0 {
		cfg.MaxBatchConcurrency = 20
	}
	return &Server{
		jobs:     deps.Jobs,
		proc:     deps.Processor,
		sessions: deps.Sessions,
		authz:    deps.Authorizer,
		cfg:      cfg,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "api")),
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
			ExposedHeaders:   []string{"Content-Disposition"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Require(s.authz))

		r.Post("/validate", s.handleValidate)
		r.Post("/export", s.handleExport)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Delete("/{id}", s.handleDeleteJob)
			r.Get("/{id}/download", s.handleDownload)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"activeJobs": len(s.proc.Active()),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
