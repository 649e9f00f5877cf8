package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"custodian/internal/dsr/models"
	"custodian/internal/ledger"
	"custodian/internal/platform/metrics"
	"custodian/internal/platform/middleware"
	"custodian/internal/transport/http/mocks"
	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
	"custodian/pkg/platform/middleware/auth"
	"custodian/pkg/requestcontext"
)

//go:generate mockgen -source=handlers_dsr.go -destination=mocks/dsr_mocks.go -package=mocks
//go:generate mockgen -source=handlers_audit.go -destination=mocks/audit_mocks.go -package=mocks

const safariUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"

type tokenTable map[string]*auth.JWTClaims

func (t tokenTable) ValidateToken(token string) (*auth.JWTClaims, error) {
	if c, ok := t[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

type activeSessions map[id.SessionID]bool

func (a activeSessions) IsSessionActive(_ context.Context, sessionID id.SessionID) (bool, error) {
	return a[sessionID], nil
}

type RouterSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	dsr       *mocks.MockDSRService
	audit     *mocks.MockAuditService
	audits    *AuditHandler
	router    http.Handler
	userID    id.UserID
	adminID   id.UserID
	sessionID id.SessionID
	health    map[string]HealthCheck
	// requireSession is passed through to RouterConfig on build.
	requireSession bool
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.dsr = mocks.NewMockDSRService(s.ctrl)
	s.audit = mocks.NewMockAuditService(s.ctrl)
	s.userID = id.UserID(uuid.New())
	s.adminID = id.UserID(uuid.New())
	s.sessionID = id.NewSessionID()
	s.health = map[string]HealthCheck{"postgres": func(context.Context) error { return nil }}
	s.build()
}

func (s *RouterSuite) build() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.audits = NewAuditHandler(s.audit, logger)
	s.router = NewRouter(RouterConfig{
		DSR:   NewDSRHandler(s.dsr, logger),
		Audit: s.audits,
		Validator: tokenTable{
			"user":  {UserID: s.userID.String()},
			"admin": {UserID: s.adminID.String(), Roles: []string{"admin"}},
			"bound": {UserID: s.userID.String(), SessionID: s.sessionID.String()},
		},
		Sessions:       activeSessions{s.sessionID: true},
		RequireSession: s.requireSession,
		RateLimiter:    middleware.NewRateLimiter(0.01, 3, time.Hour, logger),
		Metrics:        metrics.New(prometheus.NewRegistry()),
		Gatherer:       http.NotFoundHandler(),
		AdminRole:      "admin",
		Health:         s.health,
		Logger:         logger,
	})
}

func (s *RouterSuite) do(method, path, token, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	r.Header.Set("User-Agent", safariUA)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func (s *RouterSuite) decode(w *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// =============================================================================
// User routes
// =============================================================================

func (s *RouterSuite) TestRequiresAuthentication() {
	w := s.do(http.MethodGet, "/v1/me/data-requests", "", "")
	s.Equal(http.StatusUnauthorized, w.Code)
	w = s.do(http.MethodGet, "/v1/me/data-requests", "forged", "")
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *RouterSuite) TestRegulatedModeRequiresSessionBoundTokens() {
	s.requireSession = true
	s.build()

	w := s.do(http.MethodGet, "/v1/me/data-requests", "user", "")
	s.Equal(http.StatusUnauthorized, w.Code)

	s.dsr.EXPECT().Status(gomock.Any(), s.userID).Return(&models.StatusView{}, nil)
	w = s.do(http.MethodGet, "/v1/me/data-requests", "bound", "")
	s.Equal(http.StatusOK, w.Code)
}

func (s *RouterSuite) TestCreateExport() {
	s.Run("created", func() {
		req, err := models.NewExportRequest(id.NewRequestID(), s.userID, time.Now())
		s.Require().NoError(err)
		s.dsr.EXPECT().CreateExportRequest(gomock.Any(), s.userID).
			DoAndReturn(func(ctx context.Context, _ id.UserID) (*models.Result, error) {
				s.Equal(safariUA, requestcontext.UserAgent(ctx))
				return &models.Result{Outcome: models.OutcomeCreated, Request: req}, nil
			})

		w := s.do(http.MethodPost, "/v1/me/data-requests/export", "user", "")
		s.Equal(http.StatusCreated, w.Code)
		body := s.decode(w)
		s.Equal(req.ID.String(), body["request"].(map[string]any)["id"])
	})

	s.Run("conflict returns the existing request", func() {
		existing, err := models.NewExportRequest(id.NewRequestID(), s.userID, time.Now())
		s.Require().NoError(err)
		s.dsr.EXPECT().CreateExportRequest(gomock.Any(), s.userID).
			Return(&models.Result{Outcome: models.OutcomeConflict, Request: existing, Message: "an export is already in progress"}, nil)

		w := s.do(http.MethodPost, "/v1/me/data-requests/export", "user", "")
		s.Equal(http.StatusConflict, w.Code)
		body := s.decode(w)
		s.Equal("conflict", body["outcome"])
		s.Equal(existing.ID.String(), body["request"].(map[string]any)["id"])
	})
}

func (s *RouterSuite) TestGenerateExport() {
	requestID := id.NewRequestID()

	s.Run("invalid id", func() {
		w := s.do(http.MethodPost, "/v1/me/data-requests/export/not-a-uuid", "user", "")
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("someone else's request", func() {
		s.dsr.EXPECT().GenerateExport(gomock.Any(), requestID, s.userID).
			Return(nil, dErrors.New(dErrors.CodeForbidden, "export request belongs to another user"))
		w := s.do(http.MethodPost, "/v1/me/data-requests/export/"+requestID.String(), "user", "")
		s.Equal(http.StatusForbidden, w.Code)
	})

	s.Run("payload is returned as an attachment", func() {
		s.dsr.EXPECT().GenerateExport(gomock.Any(), requestID, s.userID).
			Return(&models.ExportPayload{SchemaVersion: models.ExportSchemaVersion, RequestID: requestID, UserID: s.userID}, nil)
		w := s.do(http.MethodPost, "/v1/me/data-requests/export/"+requestID.String(), "user", "")
		s.Equal(http.StatusOK, w.Code)
		s.Contains(w.Header().Get("Content-Disposition"), requestID.String())
		s.Equal(models.ExportSchemaVersion, s.decode(w)["schema_version"])
	})

	s.Run("GET never completes a request", func() {
		w := s.do(http.MethodGet, "/v1/me/data-requests/export/"+requestID.String(), "user", "")
		s.Equal(http.StatusMethodNotAllowed, w.Code)
	})
}

func (s *RouterSuite) TestErasureOutcomes() {
	s.Run("blocked lists organizations", func() {
		s.dsr.EXPECT().CreateErasureRequest(gomock.Any(), s.userID).Return(&models.Result{
			Outcome:               models.OutcomeBlocked,
			BlockingOrganizations: []models.AdminOrganization{{OrganizationID: id.OrganizationID(uuid.New()), Name: "Acme"}},
			Message:               "transfer admin rights in Acme first",
		}, nil)
		w := s.do(http.MethodPost, "/v1/me/data-requests/erasure", "user", "")
		s.Equal(http.StatusUnprocessableEntity, w.Code)
		orgs := s.decode(w)["blocking_organizations"].([]any)
		s.Equal("Acme", orgs[0].(map[string]any)["name"])
	})

	s.Run("cancel without a pending request", func() {
		s.dsr.EXPECT().CancelErasureRequest(gomock.Any(), s.userID).
			Return(&models.Result{Outcome: models.OutcomeNotFound, Message: "no pending erasure request"}, nil)
		w := s.do(http.MethodDelete, "/v1/me/data-requests/erasure", "user", "")
		s.Equal(http.StatusNotFound, w.Code)
	})

	s.Run("cancel after the sweep claimed it", func() {
		s.dsr.EXPECT().CancelErasureRequest(gomock.Any(), s.userID).
			Return(&models.Result{Outcome: models.OutcomeNotCancellable}, nil)
		w := s.do(http.MethodDelete, "/v1/me/data-requests/erasure", "user", "")
		s.Equal(http.StatusConflict, w.Code)
	})
}

func (s *RouterSuite) TestMutationsAreRateLimited() {
	s.dsr.EXPECT().CreateErasureRequest(gomock.Any(), s.userID).
		Return(&models.Result{Outcome: models.OutcomeConflict}, nil).Times(3)
	for range 3 {
		s.Equal(http.StatusConflict, s.do(http.MethodPost, "/v1/me/data-requests/erasure", "user", "").Code)
	}
	w := s.do(http.MethodPost, "/v1/me/data-requests/erasure", "user", "")
	s.Equal(http.StatusTooManyRequests, w.Code)
	s.NotEmpty(w.Header().Get("Retry-After"))

	s.dsr.EXPECT().Status(gomock.Any(), s.userID).Return(&models.StatusView{}, nil)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/v1/me/data-requests", "user", "").Code)
}

func (s *RouterSuite) TestInternalErrorsAreOpaque() {
	s.dsr.EXPECT().Status(gomock.Any(), s.userID).
		Return(nil, dErrors.Wrap(errors.New("pq: connection refused"), dErrors.CodeInternal, "failed to load requests"))
	w := s.do(http.MethodGet, "/v1/me/data-requests", "user", "")
	s.Equal(http.StatusInternalServerError, w.Code)
	s.NotContains(w.Body.String(), "connection refused")
}

// =============================================================================
// Admin routes
// =============================================================================

func (s *RouterSuite) TestAdminRoutesRequireRole() {
	for _, path := range []string{"/v1/admin/audit", "/v1/admin/data-requests", "/v1/admin/audit/stats"} {
		s.Equal(http.StatusForbidden, s.do(http.MethodGet, path, "user", "").Code, path)
	}
}

func (s *RouterSuite) TestAdminAuditQuery() {
	orgID := id.OrganizationID(uuid.New())
	ua := safariUA

	s.Run("filters are parsed and device is derived", func() {
		s.audit.EXPECT().Query(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, q ledger.Query) (*ledger.Page, error) {
				s.Equal(orgID, *q.OrganizationID)
				s.Equal(ledger.SeverityWarning, q.Severity)
				s.Equal("deletion", q.Search)
				s.Equal(2, q.Page)
				s.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), *q.From)
				s.Equal(time.Date(2025, 3, 31, 23, 59, 59, 999999000, time.UTC), *q.To)
				return &ledger.Page{
					Entries: []*ledger.Entry{{
						ID: id.NewAuditEntryID(), Action: ledger.ActionDataDeletionRequested,
						Severity: ledger.SeverityWarning, UserAgent: &ua, CreatedAt: time.Now(),
					}},
					Total: 51, Page: 2, PageSize: ledger.AdminPageSize, TotalPages: 2,
				}, nil
			})

		w := s.do(http.MethodGet, "/v1/admin/audit?organization_id="+orgID.String()+
			"&severity=warning&q=deletion&page=2&from=2025-03-01&to=2025-03-31", "admin", "")
		s.Require().Equal(http.StatusOK, w.Code)
		var page AuditPageResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &page))
		s.Require().Len(page.Entries, 1)
		s.Contains(page.Entries[0].Device, "Safari")
		s.Equal(2, page.TotalPages)
	})

	s.Run("malformed filters are rejected before querying", func() {
		for _, qs := range []string{"organization_id=nope", "severity=loud", "from=yesterday", "page=0", "user_id=1"} {
			w := s.do(http.MethodGet, "/v1/admin/audit?"+qs, "admin", "")
			s.Equal(http.StatusBadRequest, w.Code, qs)
		}
	})
}

func (s *RouterSuite) TestAdminVerify() {
	s.Run("limit above the maximum", func() {
		w := s.do(http.MethodPost, "/v1/admin/audit/verify", "admin", `{"limit":100000}`)
		s.Equal(http.StatusUnprocessableEntity, w.Code)
	})

	s.Run("empty body verifies with defaults", func() {
		s.audit.EXPECT().VerifyBatch(gomock.Any(), ledger.VerifyFilter{}).
			Return(&ledger.VerificationReport{Total: 3, Failed: 1, TamperingDetected: true}, nil)
		w := s.do(http.MethodPost, "/v1/admin/audit/verify", "admin", "")
		s.Equal(http.StatusOK, w.Code)
		s.Equal(true, s.decode(w)["tampering_detected"])
	})
}

func (s *RouterSuite) TestComplianceReportDefaultsToThirtyDays() {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	s.audits.now = func() time.Time { return now }
	s.audit.EXPECT().GenerateComplianceReport(gomock.Any(), (*id.OrganizationID)(nil), now.Add(-DefaultReportWindow), now).
		Return(&ledger.ComplianceReport{Status: ledger.CompliancePass}, nil)

	w := s.do(http.MethodGet, "/v1/admin/audit/compliance-report", "admin", "")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("PASS", s.decode(w)["status"])
}

func (s *RouterSuite) TestAdminErasureTargetsPathUser() {
	target := id.UserID(uuid.New())
	s.dsr.EXPECT().CreateErasureRequest(gomock.Any(), target).
		DoAndReturn(func(ctx context.Context, _ id.UserID) (*models.Result, error) {
			s.Equal(s.adminID, requestcontext.UserID(ctx))
			return &models.Result{Outcome: models.OutcomeCreated}, nil
		})
	w := s.do(http.MethodPost, "/v1/admin/users/"+target.String()+"/erasure", "admin", "")
	s.Equal(http.StatusCreated, w.Code)
}

func (s *RouterSuite) TestAdminListAndSweep() {
	s.Run("list passes filters", func() {
		s.dsr.EXPECT().ListRequests(gomock.Any(), models.RequestFilter{Type: models.TypeErasure, Status: models.StatusScheduled, Page: 1}).
			Return(&models.RequestPage{Requests: []*models.Request{}}, nil)
		w := s.do(http.MethodGet, "/v1/admin/data-requests?type=erasure&status=scheduled", "admin", "")
		s.Equal(http.StatusOK, w.Code)
	})

	s.Run("list rejects unknown status", func() {
		w := s.do(http.MethodGet, "/v1/admin/data-requests?status=bogus", "admin", "")
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("sweep on demand", func() {
		s.dsr.EXPECT().ProcessDueErasureRequests(gomock.Any()).
			Return(&models.SweepResult{Due: 2, Processed: 2, Errors: []models.SweepError{}}, nil)
		w := s.do(http.MethodPost, "/v1/admin/data-requests/sweep", "admin", "")
		s.Equal(http.StatusOK, w.Code)
		s.Equal(float64(2), s.decode(w)["processed"])
	})
}

// =============================================================================
// Operational routes
// =============================================================================

func (s *RouterSuite) TestHealth() {
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/healthz", "", "").Code)

	s.health["redis"] = func(context.Context) error { return errors.New("dial tcp: refused") }
	s.build()
	w := s.do(http.MethodGet, "/healthz", "", "")
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal("dial tcp: refused", s.decode(w)["checks"].(map[string]any)["redis"])
}
