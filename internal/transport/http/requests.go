package httptransport

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	dsrModels "custodian/internal/dsr/models"
	"custodian/internal/ledger"
	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
)

const dateLayout = "2006-01-02"

// parseTime accepts RFC 3339 timestamps and plain dates. A plain date used as
// an upper bound covers the whole day.
func parseTime(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "invalid date: "+raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func parseOptionalOrg(raw string) (*id.OrganizationID, error) {
	if raw == "" {
		return nil, nil
	}
	orgID, err := id.ParseOrganizationID(raw)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "invalid organization_id")
	}
	return &orgID, nil
}

func parseOptionalUser(raw string) (*id.UserID, error) {
	if raw == "" {
		return nil, nil
	}
	userID, err := id.ParseUserID(raw)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "invalid user_id")
	}
	return &userID, nil
}

func parsePage(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "page must be a positive integer")
	}
	return page, nil
}

// auditQueryFromURL builds the admin audit filter from query parameters.
func auditQueryFromURL(v url.Values) (ledger.Query, error) {
	var (
		q   ledger.Query
		err error
	)
	if q.OrganizationID, err = parseOptionalOrg(v.Get("organization_id")); err != nil {
		return q, err
	}
	if q.UserID, err = parseOptionalUser(v.Get("user_id")); err != nil {
		return q, err
	}
	if q.From, err = parseTime(v.Get("from"), false); err != nil {
		return q, err
	}
	if q.To, err = parseTime(v.Get("to"), true); err != nil {
		return q, err
	}
	if q.Page, err = parsePage(v.Get("page")); err != nil {
		return q, err
	}
	q.Search = v.Get("q")
	if raw := v.Get("severity"); raw != "" {
		sev, ok := ledger.ParseSeverity(raw)
		if !ok {
			return q, dErrors.New(dErrors.CodeBadRequest, "invalid severity")
		}
		q.Severity = sev
	}
	q.Action = ledger.Action(v.Get("action"))
	return q, nil
}

func statsFilterFromURL(v url.Values) (ledger.StatsFilter, error) {
	var (
		f   ledger.StatsFilter
		err error
	)
	if f.OrganizationID, err = parseOptionalOrg(v.Get("organization_id")); err != nil {
		return f, err
	}
	if f.From, err = parseTime(v.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = parseTime(v.Get("to"), true); err != nil {
		return f, err
	}
	return f, nil
}

func requestFilterFromURL(v url.Values) (dsrModels.RequestFilter, error) {
	var (
		f   dsrModels.RequestFilter
		err error
	)
	if f.UserID, err = parseOptionalUser(v.Get("user_id")); err != nil {
		return f, err
	}
	if raw := v.Get("type"); raw != "" {
		f.Type = dsrModels.Type(raw)
		if !f.Type.IsValid() {
			return f, dErrors.New(dErrors.CodeBadRequest, "invalid type")
		}
	}
	if raw := v.Get("status"); raw != "" {
		f.Status = dsrModels.Status(raw)
		if !f.Status.IsValid() {
			return f, dErrors.New(dErrors.CodeBadRequest, "invalid status")
		}
	}
	if f.Page, err = parsePage(v.Get("page")); err != nil {
		return f, err
	}
	if raw := v.Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			return f, dErrors.New(dErrors.CodeBadRequest, "page_size must be a positive integer")
		}
		f.PageSize = min(size, dsrModels.MaxPageSize)
	}
	return f, nil
}

// VerifyRequest is the body of POST /v1/admin/audit/verify. Every field is
// optional.
type VerifyRequest struct {
	OrganizationID string `json:"organization_id"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	Limit          int    `json:"limit"`

	filter ledger.VerifyFilter
}

// Validate implements httputil.Validatable.
func (r *VerifyRequest) Validate() error {
	var err error
	if r.Limit < 0 || r.Limit > ledger.MaxVerifyLimit {
		return dErrors.New(dErrors.CodeValidation, "limit must be between 0 and "+strconv.Itoa(ledger.MaxVerifyLimit))
	}
	r.filter.Limit = r.Limit
	if r.filter.OrganizationID, err = parseOptionalOrg(r.OrganizationID); err != nil {
		return err
	}
	if r.filter.StartDate, err = parseTime(r.StartDate, false); err != nil {
		return err
	}
	if r.filter.EndDate, err = parseTime(r.EndDate, true); err != nil {
		return err
	}
	if r.filter.StartDate != nil && r.filter.EndDate != nil && r.filter.EndDate.Before(*r.filter.StartDate) {
		return dErrors.New(dErrors.CodeValidation, "end_date must not be before start_date")
	}
	return nil
}

func (r *VerifyRequest) Filter() ledger.VerifyFilter { return r.filter }
