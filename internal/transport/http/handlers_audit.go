package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"custodian/internal/ledger"
	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
	"custodian/pkg/platform/httputil"
	"custodian/pkg/requestcontext"
)

// DefaultReportWindow is the compliance report period when none is given.
const DefaultReportWindow = 30 * 24 * time.Hour

// AuditService is the ledger as the admin routes see it.
type AuditService interface {
	Query(ctx context.Context, q ledger.Query) (*ledger.Page, error)
	Statistics(ctx context.Context, filter ledger.StatsFilter) (*ledger.Stats, error)
	VerifyBatch(ctx context.Context, filter ledger.VerifyFilter) (*ledger.VerificationReport, error)
	GenerateComplianceReport(ctx context.Context, orgID *id.OrganizationID, start, end time.Time) (*ledger.ComplianceReport, error)
}

type AuditHandler struct {
	service AuditService
	logger  *slog.Logger
	now     func() time.Time
}

func NewAuditHandler(service AuditService, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{service: service, logger: logger, now: time.Now}
}

func (h *AuditHandler) Register(r chi.Router) {
	r.Get("/audit", h.HandleQuery)
	r.Get("/audit/stats", h.HandleStats)
	r.Post("/audit/verify", h.HandleVerify)
	r.Get("/audit/compliance-report", h.HandleComplianceReport)
}

func (h *AuditHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, err := auditQueryFromURL(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.service.Query(ctx, q)
	if err != nil {
		h.fail(ctx, w, "audit query failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditPageResponse(page))
}

func (h *AuditHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, err := statsFilterFromURL(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	stats, err := h.service.Statistics(ctx, filter)
	if err != nil {
		h.fail(ctx, w, "audit statistics failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *AuditHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[VerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	report, err := h.service.VerifyBatch(ctx, req.Filter())
	if err != nil {
		h.fail(ctx, w, "audit verification failed", err)
		return
	}
	if report.TamperingDetected {
		h.logger.ErrorContext(ctx, "audit verification detected tampering",
			"request_id", requestID,
			"failed", report.Failed,
			"total", report.Total,
		)
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *AuditHandler) HandleComplianceReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v := r.URL.Query()
	orgID, err := parseOptionalOrg(v.Get("organization_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	from, err := parseTime(v.Get("from"), false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	to, err := parseTime(v.Get("to"), true)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	end := h.now().UTC()
	if to != nil {
		end = *to
	}
	start := end.Add(-DefaultReportWindow)
	if from != nil {
		start = *from
	}

	report, err := h.service.GenerateComplianceReport(ctx, orgID, start, end)
	if err != nil {
		h.fail(ctx, w, "compliance report failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *AuditHandler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
