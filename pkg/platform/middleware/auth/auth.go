package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	id "custodian/pkg/domain"
	"custodian/pkg/requestcontext"
)

// JWTValidator validates bearer tokens.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// SessionChecker reports whether the session behind a token is still live.
// Erasure revokes sessions, so tokens minted for them stop working at once.
type SessionChecker interface {
	IsSessionActive(ctx context.Context, sessionID id.SessionID) (bool, error)
}

// JWTClaims is the transport view of a validated token.
type JWTClaims struct {
	UserID    string
	SessionID string
	Roles     []string
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

type options struct {
	requireSession bool
}

type Option func(*options)

// WithRequiredSession rejects tokens that carry no session ID. Such tokens
// cannot be revoked, so an erasure request would not lock them out.
func WithRequiredSession(required bool) Option {
	return func(o *options) {
		o.requireSession = required
	}
}

// RequireAuth authenticates the bearer token and puts the caller's user ID
// and roles into the request context. sessions may be nil.
func RequireAuth(validator JWTValidator, sessions SessionChecker, logger *slog.Logger, opts ...Option) func(http.Handler) http.Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}
			userID, err := id.ParseUserID(claims.UserID)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid subject",
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			if o.requireSession && claims.SessionID == "" {
				logger.WarnContext(ctx, "unauthorized access - token not bound to a session",
					"request_id", requestID,
					"user_id", userID.String(),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Token is not bound to a session")
				return
			}

			if sessions != nil && claims.SessionID != "" {
				sessionID, err := id.ParseSessionID(claims.SessionID)
				if err != nil {
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
					return
				}
				active, err := sessions.IsSessionActive(ctx, sessionID)
				if err != nil {
					logger.ErrorContext(ctx, "failed to check session",
						"error", err,
						"request_id", requestID,
					)
					writeJSONError(w, http.StatusInternalServerError, "internal_error", "Failed to validate token")
					return
				}
				if !active {
					logger.WarnContext(ctx, "unauthorized access - session revoked",
						"request_id", requestID,
						"user_id", userID.String(),
					)
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Session has been revoked")
					return
				}
			}

			ctx = requestcontext.WithUserID(ctx, userID)
			ctx = requestcontext.WithRoles(ctx, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
