// Package requesttime pins "now" for the lifetime of one request, so the
// audit entry and the request row it describes carry the same timestamp.
package requesttime

import (
	"net/http"
	"time"

	"custodian/pkg/requestcontext"
)

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
