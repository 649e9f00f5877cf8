package httptransport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"custodian/internal/ledger"
	"custodian/internal/transport/http/mocks"
	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
	"custodian/pkg/testutil"
)

type AuditHandlerSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	service *mocks.MockAuditService
	router  chi.Router
}

func TestAuditHandlerSuite(t *testing.T) {
	suite.Run(t, new(AuditHandlerSuite))
}

func (s *AuditHandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.service = mocks.NewMockAuditService(s.ctrl)
	s.router = chi.NewRouter()
	NewAuditHandler(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

func (s *AuditHandlerSuite) TestStats() {
	orgID := id.OrganizationID(uuid.New())
	s.service.EXPECT().Statistics(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f ledger.StatsFilter) (*ledger.Stats, error) {
			s.Equal(orgID, *f.OrganizationID)
			s.Nil(f.From)
			s.Equal(time.Date(2025, 1, 31, 23, 59, 59, 999999000, time.UTC), *f.To)
			return &ledger.Stats{Total: 4, MissingHash: 1}, nil
		})

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/audit/stats?organization_id="+orgID.String()+"&to=2025-01-31"))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	stats := testutil.UnmarshalResponse[ledger.Stats](s.T(), rr)
	s.Equal(1, stats.MissingHash)
}

func (s *AuditHandlerSuite) TestQueryPropagatesValidation() {
	s.service.EXPECT().Query(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeValidation, "from must not be after to"))
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/audit?from=2025-02-01&to=2025-01-01"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, string(dErrors.CodeValidation))
}

func (s *AuditHandlerSuite) TestVerify() {
	orgID := id.OrganizationID(uuid.New())

	s.Run("body becomes the filter", func() {
		s.service.EXPECT().VerifyBatch(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, f ledger.VerifyFilter) (*ledger.VerificationReport, error) {
				s.Equal(orgID, *f.OrganizationID)
				s.Equal(250, f.Limit)
				s.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *f.StartDate)
				return &ledger.VerificationReport{Total: 250, Verified: 250}, nil
			})
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/audit/verify", map[string]any{
			"organization_id": orgID.String(),
			"start_date":      "2025-01-01",
			"limit":           250,
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		report := testutil.UnmarshalResponse[ledger.VerificationReport](s.T(), rr)
		s.False(report.TamperingDetected)
	})

	s.Run("unknown fields are rejected", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/audit/verify", map[string]any{"limt": 10})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	s.Run("inverted range", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/audit/verify", map[string]any{
			"start_date": "2025-02-01",
			"end_date":   "2025-01-01",
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, string(dErrors.CodeValidation))
	})
}

func (s *AuditHandlerSuite) TestComplianceReportExplicitRange() {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 31, 23, 59, 59, 999999000, time.UTC)
	s.service.EXPECT().GenerateComplianceReport(gomock.Any(), (*id.OrganizationID)(nil), start, end).
		Return(&ledger.ComplianceReport{Status: ledger.ComplianceFail, Summary: "2 tampered entries"}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/audit/compliance-report?from=2025-01-01&to=2025-01-31"))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	report := testutil.UnmarshalResponse[ledger.ComplianceReport](s.T(), rr)
	s.Equal(ledger.ComplianceFail, report.Status)
}

func (s *AuditHandlerSuite) TestComplianceReportRejectsBadOrg() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/audit/compliance-report?organization_id=acme"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
}
