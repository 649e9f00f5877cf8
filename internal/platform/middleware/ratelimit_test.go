package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"custodian/internal/platform/logger"
	id "custodian/pkg/domain"
	"custodian/pkg/requestcontext"
)

func TestRateLimiter(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	serve := func(h http.Handler, userID id.UserID, ip string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/me/data-requests/erasure", nil)
		ctx := requestcontext.WithClientMetadata(r.Context(), ip, "test")
		if !userID.IsNil() {
			ctx = requestcontext.WithUserID(ctx, userID)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r.WithContext(ctx))
		return w
	}

	t.Run("limits each caller independently", func(t *testing.T) {
		rl := NewRateLimiter(0.2, 2, time.Hour, logger.Discard())
		h := rl.Middleware(ok)
		alice, bob := id.UserID(uuid.New()), id.UserID(uuid.New())

		assert.Equal(t, http.StatusNoContent, serve(h, alice, "10.0.0.1").Code)
		assert.Equal(t, http.StatusNoContent, serve(h, alice, "10.0.0.2").Code)
		limited := serve(h, alice, "10.0.0.3")
		assert.Equal(t, http.StatusTooManyRequests, limited.Code)
		assert.Equal(t, "5", limited.Header().Get("Retry-After"))

		assert.Equal(t, http.StatusNoContent, serve(h, bob, "10.0.0.1").Code)
	})

	t.Run("anonymous callers are keyed by ip", func(t *testing.T) {
		rl := NewRateLimiter(1, 1, time.Hour, logger.Discard())
		h := rl.Middleware(ok)
		assert.Equal(t, http.StatusNoContent, serve(h, id.UserID{}, "10.0.0.1").Code)
		assert.Equal(t, http.StatusTooManyRequests, serve(h, id.UserID{}, "10.0.0.1").Code)
		assert.Equal(t, http.StatusNoContent, serve(h, id.UserID{}, "10.0.0.2").Code)
	})

	t.Run("idle buckets are evicted", func(t *testing.T) {
		now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		rl := NewRateLimiter(0.001, 1, time.Minute, logger.Discard())
		rl.now = func() time.Time { return now }
		h := rl.Middleware(ok)
		alice := id.UserID(uuid.New())

		assert.Equal(t, http.StatusNoContent, serve(h, alice, "").Code)
		assert.Equal(t, http.StatusTooManyRequests, serve(h, alice, "").Code)

		now = now.Add(2 * time.Minute)
		serve(h, id.UserID(uuid.New()), "")
		rl.mu.Lock()
		_, kept := rl.limiters["user:"+alice.String()]
		rl.mu.Unlock()
		assert.False(t, kept)
	})
}
