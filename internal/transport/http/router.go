// Package httptransport exposes the ledger and the request manager over HTTP.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodian/internal/platform/metrics"
	"custodian/internal/platform/middleware"
	"custodian/pkg/platform/httputil"
	"custodian/pkg/platform/middleware/admin"
	"custodian/pkg/platform/middleware/auth"
	"custodian/pkg/platform/middleware/metadata"
	"custodian/pkg/platform/middleware/requesttime"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterConfig wires everything NewRouter needs.
type RouterConfig struct {
	DSR         *DSRHandler
	Audit       *AuditHandler
	Validator   auth.JWTValidator
	Sessions    auth.SessionChecker
	RateLimiter *middleware.RateLimiter
	Metrics     *metrics.Metrics
	Gatherer    http.Handler
	AdminRole   string
	// RequireSession rejects tokens without a session ID.
	RequireSession bool
	Health         map[string]HealthCheck
	Logger         *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(chimw.Timeout(60 * time.Second))
	if cfg.Metrics != nil {
		r.Use(middleware.Latency(cfg.Metrics))
	}

	r.Get("/healthz", healthHandler(cfg.Health))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", cfg.Gatherer)
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	mutations := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimiter != nil {
		mutations = cfg.RateLimiter.Middleware
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(auth.RequireAuth(cfg.Validator, cfg.Sessions, cfg.Logger, auth.WithRequiredSession(cfg.RequireSession)))
		cfg.DSR.RegisterUser(v1, mutations)
		v1.Route("/admin", func(ar chi.Router) {
			ar.Use(admin.RequireRole(cfg.AdminRole, cfg.Logger))
			cfg.Audit.Register(ar)
			cfg.DSR.RegisterAdmin(ar)
		})
	})
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		httputil.WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": results})
	}
}
