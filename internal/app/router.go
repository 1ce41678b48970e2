package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/banf/internal/observability"
	"github.com/odyssey-erp/banf/internal/orderrequest"
	"github.com/odyssey-erp/banf/internal/platform/httpx"
	"github.com/odyssey-erp/banf/jobs"
)

// ReadinessCheck probes one backing service.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	OrderHandler *orderrequest.Handler
	JobHandler   *jobs.Handler
	Metrics      *observability.Metrics
	Readiness    []ReadinessCheck
}

// NewRouter constructs the chi.Router with BANF defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if params.Config != nil && !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", readyHandler(params.Logger, params.Readiness))

	if params.OrderHandler != nil {
		r.Route("/api", params.OrderHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

func readyHandler(logger *slog.Logger, checks []ReadinessCheck) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("check", c.Name), slog.Any("error", err))
				status[c.Name] = "down"
				code = http.StatusServiceUnavailable
				continue
			}
			status[c.Name] = "ok"
		}
		httpx.JSON(w, code, status)
	}
}
