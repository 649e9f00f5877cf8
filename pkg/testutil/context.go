package testutil

import (
	"net/http"

	id "custodian/pkg/domain"
	"custodian/pkg/requestcontext"
)

// WithUserID adds a user ID to the request context, as the auth middleware
// does for authenticated requests. Invalid IDs are silently ignored.
func WithUserID(req *http.Request, userID string) *http.Request {
	parsed, err := id.ParseUserID(userID)
	if err != nil {
		return req
	}
	return req.WithContext(requestcontext.WithUserID(req.Context(), parsed))
}

// WithAuth adds a user ID and roles to the request context.
func WithAuth(req *http.Request, userID string, roles ...string) *http.Request {
	req = WithUserID(req, userID)
	if len(roles) == 0 {
		return req
	}
	return req.WithContext(requestcontext.WithRoles(req.Context(), roles))
}
