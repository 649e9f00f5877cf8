package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"custodian/pkg/requestcontext"
)

func TestRequireRole(t *testing.T) {
	h := RequireRole("admin", slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	serve := func(roles ...string) int {
		r := httptest.NewRequest(http.MethodGet, "/v1/admin/audit", nil)
		r = r.WithContext(requestcontext.WithRoles(r.Context(), roles))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, serve("member", "admin"))
	assert.Equal(t, http.StatusForbidden, serve("member"))
	assert.Equal(t, http.StatusForbidden, serve())
}
