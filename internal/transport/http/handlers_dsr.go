package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"custodian/internal/dsr/models"
	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
	"custodian/pkg/platform/httputil"
	"custodian/pkg/requestcontext"
)

// DSRService is the request manager as the HTTP layer sees it.
type DSRService interface {
	CreateExportRequest(ctx context.Context, userID id.UserID) (*models.Result, error)
	GenerateExport(ctx context.Context, requestID id.RequestID, userID id.UserID) (*models.ExportPayload, error)
	CreateErasureRequest(ctx context.Context, userID id.UserID) (*models.Result, error)
	CancelErasureRequest(ctx context.Context, userID id.UserID) (*models.Result, error)
	Status(ctx context.Context, userID id.UserID) (*models.StatusView, error)
	ListRequests(ctx context.Context, filter models.RequestFilter) (*models.RequestPage, error)
	ProcessDueErasureRequests(ctx context.Context) (*models.SweepResult, error)
}

// DSRHandler serves the data subject request routes.
type DSRHandler struct {
	service DSRService
	logger  *slog.Logger
}

func NewDSRHandler(service DSRService, logger *slog.Logger) *DSRHandler {
	return &DSRHandler{service: service, logger: logger}
}

// RegisterUser mounts the self-service routes. mutations wraps the routes
// that create or cancel requests. Generating an export completes the request,
// so it is a POST as well.
func (h *DSRHandler) RegisterUser(r chi.Router, mutations func(http.Handler) http.Handler) {
	r.Get("/me/data-requests", h.HandleStatus)
	r.Post("/me/data-requests/export/{requestID}", h.HandleGenerateExport)
	r.Group(func(r chi.Router) {
		r.Use(mutations)
		r.Post("/me/data-requests/export", h.HandleCreateExport)
		r.Post("/me/data-requests/erasure", h.HandleCreateErasure)
		r.Delete("/me/data-requests/erasure", h.HandleCancelErasure)
	})
}

// RegisterAdmin mounts the admin routes; callers guard them with the admin role.
func (h *DSRHandler) RegisterAdmin(r chi.Router) {
	r.Get("/data-requests", h.HandleList)
	r.Post("/data-requests/sweep", h.HandleSweep)
	r.Post("/users/{userID}/erasure", h.HandleAdminErasure)
}

// authenticatedUser returns the caller or writes 401.
func authenticatedUser(w http.ResponseWriter, ctx context.Context) (id.UserID, bool) {
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return userID, false
	}
	return userID, true
}

func (h *DSRHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUser(w, ctx)
	if !ok {
		return
	}
	view, err := h.service.Status(ctx, userID)
	if err != nil {
		h.fail(ctx, w, "failed to load data request status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *DSRHandler) HandleCreateExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUser(w, ctx)
	if !ok {
		return
	}
	result, err := h.service.CreateExportRequest(ctx, userID)
	if err != nil {
		h.fail(ctx, w, "failed to create export request", err)
		return
	}
	writeResult(w, result)
}

func (h *DSRHandler) HandleGenerateExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUser(w, ctx)
	if !ok {
		return
	}
	requestID, err := id.ParseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request id"))
		return
	}
	payload, err := h.service.GenerateExport(ctx, requestID, userID)
	if err != nil {
		h.fail(ctx, w, "failed to generate export", err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="data-export-`+requestID.String()+`.json"`)
	httputil.WriteJSON(w, http.StatusOK, payload)
}

func (h *DSRHandler) HandleCreateErasure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUser(w, ctx)
	if !ok {
		return
	}
	result, err := h.service.CreateErasureRequest(ctx, userID)
	if err != nil {
		h.fail(ctx, w, "failed to create erasure request", err)
		return
	}
	writeResult(w, result)
}

func (h *DSRHandler) HandleCancelErasure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUser(w, ctx)
	if !ok {
		return
	}
	result, err := h.service.CancelErasureRequest(ctx, userID)
	if err != nil {
		h.fail(ctx, w, "failed to cancel erasure request", err)
		return
	}
	writeResult(w, result)
}

func (h *DSRHandler) HandleAdminErasure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid user id"))
		return
	}
	result, err := h.service.CreateErasureRequest(ctx, target)
	if err != nil {
		h.fail(ctx, w, "failed to create erasure request", err)
		return
	}
	h.logger.InfoContext(ctx, "admin-initiated erasure",
		"request_id", requestcontext.RequestID(ctx),
		"admin_id", requestcontext.UserID(ctx).String(),
		"user_id", target.String(),
		"outcome", string(result.Outcome),
	)
	writeResult(w, result)
}

func (h *DSRHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, err := requestFilterFromURL(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.service.ListRequests(ctx, filter)
	if err != nil {
		h.fail(ctx, w, "failed to list data requests", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *DSRHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.service.ProcessDueErasureRequests(ctx)
	if err != nil {
		h.fail(ctx, w, "erasure sweep failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *DSRHandler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}

// writeResult maps a non-exceptional outcome to its status code. The body is
// the result itself so clients can render the existing request or the
// blocking organizations without another round trip.
func writeResult(w http.ResponseWriter, result *models.Result) {
	httputil.WriteJSON(w, statusForOutcome(result.Outcome), result)
}

func statusForOutcome(outcome models.Outcome) int {
	switch outcome {
	case models.OutcomeCreated:
		return http.StatusCreated
	case models.OutcomeCancelled:
		return http.StatusOK
	case models.OutcomeConflict, models.OutcomeNotCancellable:
		return http.StatusConflict
	case models.OutcomeBlocked:
		return http.StatusUnprocessableEntity
	case models.OutcomeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
