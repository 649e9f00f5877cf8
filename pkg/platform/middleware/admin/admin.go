package admin

import (
	"log/slog"
	"net/http"

	"custodian/pkg/requestcontext"
)

// RequireRole lets the request through only when the authenticated caller
// holds role. It must run after auth.RequireAuth.
func RequireRole(role string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !requestcontext.HasRole(ctx, role) {
				logger.WarnContext(ctx, "admin role required",
					"request_id", requestcontext.RequestID(ctx),
					"user_id", requestcontext.UserID(ctx).String(),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden","error_description":"admin role required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
