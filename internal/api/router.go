// Package api exposes the pricing agent over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/agent"
	"github.com/sells-group/pricing-agent/internal/model"
	"github.com/sells-group/pricing-agent/internal/settings"
)

// Agent is the run orchestrator surface used by the handlers.
type Agent interface {
	Start(ctx context.Context, dryRun bool) (*agent.StartResult, error)
	Status(ctx context.Context) (*agent.StatusView, error)
	History(ctx context.Context) ([]model.RunSummary, error)
	GetReport(ctx context.Context, runID string) (*model.RunReport, error)
	LatestReport(ctx context.Context) (*model.RunReport, error)
	DeleteReport(ctx context.Context, runID string) (bool, error)
	Cancel(runID string) error
}

// Settings is the settings surface used by the handlers.
type Settings interface {
	GetOrCreate(ctx context.Context) (*model.AgentSettings, error)
	Update(ctx context.Context, u settings.Update) (*model.AgentSettings, error)
	RevealSecret(ctx context.Context) (string, error)
	ClearSecret(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
}

// Handler serves the agent API.
type Handler struct {
	agent    Agent
	settings Settings
}

// NewRouter builds the chi router for the agent API.
func NewRouter(a Agent, s Settings, opts Options) http.Handler {
	h := &Handler{agent: a, settings: s}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/agent", func(r chi.Router) {
		r.Get("/status", h.status)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.startRun)
			r.Get("/", h.history)
			r.Get("/latest", h.latestReport)
			r.Get("/{runID}", h.getReport)
			r.Delete("/{runID}", h.deleteReport)
			r.Post("/{runID}/cancel", h.cancelRun)
			r.Get("/{runID}/export", h.exportReport)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.getSettings)
			r.Patch("/", h.updateSettings)
			r.Get("/secret", h.revealSecret)
			r.Delete("/secret", h.clearSecret)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
