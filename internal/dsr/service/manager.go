// Package service runs the data subject request lifecycle: export and
// erasure requests, the grace period, and the erasure sweep.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custodian/internal/dsr/models"
	"custodian/internal/ledger"
	"custodian/internal/platform/metrics"
	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
	"custodian/pkg/platform/sentinel"
	"custodian/pkg/requestcontext"
)

const (
	DefaultGracePeriod         = 7 * 24 * time.Hour
	DefaultSweepConcurrency    = 4
	DefaultStuckAfter          = time.Hour
	DefaultMaxRecoveryAttempts = 3
	// DefaultSweepLimit bounds how many requests one sweep selects.
	DefaultSweepLimit = 1000
)

const resourceType = "data_subject_request"

type Manager struct {
	store       Store
	tx          TxRunner
	auditor     Auditor
	memberships MembershipQuerier
	accounts    AccountDeleter
	sessions    SessionRevoker
	gatherer    DataGatherer
	archive     ExportArchive

	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
	tracer  trace.Tracer

	gracePeriod         time.Duration
	sweepConcurrency    int
	sweepLimit          int
	stuckAfter          time.Duration
	maxRecoveryAttempts int
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock pins the time source. Without it the manager uses
// requestcontext.Now, which honours a request-scoped time.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithExportArchive(a ExportArchive) Option {
	return func(m *Manager) { m.archive = a }
}

func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.gracePeriod = d
		}
	}
}

func WithSweepConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sweepConcurrency = n
		}
	}
}

func WithSweepLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sweepLimit = n
		}
	}
}

// WithStuckAfter sets how long an erasure may sit in processing before the
// sweep watchdog re-queues it. Zero disables the watchdog.
func WithStuckAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.stuckAfter = d
		}
	}
}

func WithMaxRecoveryAttempts(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRecoveryAttempts = n
		}
	}
}

func New(store Store, tx TxRunner, auditor Auditor, c Collaborators, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("request store is required")
	}
	if tx == nil {
		return nil, fmt.Errorf("tx runner is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if c.Memberships == nil {
		return nil, fmt.Errorf("membership querier is required")
	}
	if c.Accounts == nil {
		return nil, fmt.Errorf("account deleter is required")
	}
	if c.Sessions == nil {
		return nil, fmt.Errorf("session revoker is required")
	}
	if c.Gatherer == nil {
		return nil, fmt.Errorf("data gatherer is required")
	}

	m := &Manager{
		store:               store,
		tx:                  tx,
		auditor:             auditor,
		memberships:         c.Memberships,
		accounts:            c.Accounts,
		sessions:            c.Sessions,
		gatherer:            c.Gatherer,
		logger:              slog.Default(),
		tracer:              otel.Tracer("custodian/dsr"),
		gracePeriod:         DefaultGracePeriod,
		sweepConcurrency:    DefaultSweepConcurrency,
		sweepLimit:          DefaultSweepLimit,
		stuckAfter:          DefaultStuckAfter,
		maxRecoveryAttempts: DefaultMaxRecoveryAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) now(ctx context.Context) time.Time {
	var t time.Time
	if m.clock != nil {
		t = m.clock()
	} else {
		t = requestcontext.Now(ctx)
	}
	// Postgres keeps microseconds; truncating here keeps memory and SQL stores comparable.
	return t.UTC().Truncate(time.Microsecond)
}

// CreateExportRequest opens an export request, or reports the active one.
func (m *Manager) CreateExportRequest(ctx context.Context, userID id.UserID) (*models.Result, error) {
	ctx, span := m.tracer.Start(ctx, "dsr.CreateExportRequest")
	defer span.End()

	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "user id is required")
	}
	now := m.now(ctx)

	result, err := m.createRequest(ctx, userID, models.TypeExport, func(ctx context.Context) (*models.Result, error) {
		req, err := models.NewExportRequest(id.NewRequestID(), userID, now)
		if err != nil {
			return nil, err
		}
		actor := m.stamp(ctx, req)
		if err := m.store.Create(ctx, req); err != nil {
			return nil, err
		}
		_, err = m.auditor.Append(ctx, ledger.Event{
			Action:       ledger.ActionDataExportRequested,
			ActorUserID:  &actor,
			TargetUserID: &req.UserID,
			Details:      "Data export requested",
			Metadata:     ledger.ExportRequested{RequestID: req.ID.String()},
			ResourceType: resourceType,
			ResourceID:   req.ID.String(),
			Severity:     ledger.SeverityInfo,
		})
		if err != nil {
			return nil, err
		}
		return &models.Result{Outcome: models.OutcomeCreated, Request: req}, nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.IncDSRRequest(string(models.TypeExport), string(result.Outcome))
	return result, nil
}

// GenerateExport builds the export payload for a processing export request
// and completes it. Gathering or archiving failures mark the request failed.
func (m *Manager) GenerateExport(ctx context.Context, requestID id.RequestID, userID id.UserID) (*models.ExportPayload, error) {
	ctx, span := m.tracer.Start(ctx, "dsr.GenerateExport")
	defer span.End()

	req, err := m.store.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "export request not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load export request")
	}
	// Someone else's request is reported as missing rather than forbidden.
	if req.UserID != userID {
		return nil, dErrors.New(dErrors.CodeNotFound, "export request not found")
	}
	if req.Type != models.TypeExport {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request is not an export request")
	}
	if req.Status != models.StatusProcessing {
		return nil, dErrors.New(dErrors.CodeInvalidState, "export request is "+string(req.Status))
	}

	data, err := m.gatherer.GatherExportableData(ctx, userID)
	if err != nil {
		m.failExport(ctx, req, "data gathering failed: "+err.Error())
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to gather export data")
	}

	now := m.now(ctx)
	payload := &models.ExportPayload{
		SchemaVersion: models.ExportSchemaVersion,
		RequestID:     req.ID,
		UserID:        userID,
		GeneratedAt:   now,
		Data:          data,
		Redactions:    data.Redactions,
		Statistics:    data.Statistics,
	}
	if m.archive != nil {
		payload.ArchiveKey = archiveKey(req)
		if err := m.archivePayload(ctx, payload); err != nil {
			m.failExport(ctx, req, "archive failed: "+err.Error())
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to archive export")
		}
	}

	if err := req.CanComplete(); err != nil {
		return nil, err
	}
	req.ApplyCompletion(now)
	req.Metadata.SchemaVersion = payload.SchemaVersion
	req.Metadata.ExportStatistics = payload.Statistics
	req.Metadata.ArchiveKey = payload.ArchiveKey

	err = m.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := m.store.Update(ctx, req, models.StatusProcessing); err != nil {
			return err
		}
		_, err := m.auditor.Append(ctx, ledger.Event{
			Action:       ledger.ActionDataExportCompleted,
			ActorUserID:  &req.UserID,
			TargetUserID: &req.UserID,
			Details:      "Data export generated",
			Metadata: ledger.ExportCompleted{
				RequestID:     req.ID.String(),
				SchemaVersion: payload.SchemaVersion,
				Statistics:    payload.Statistics,
				ArchiveKey:    payload.ArchiveKey,
			},
			ResourceType: resourceType,
			ResourceID:   req.ID.String(),
			Severity:     ledger.SeverityInfo,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.New(dErrors.CodeConflict, "export request was completed concurrently")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to complete export request")
	}
	return payload, nil
}

// CreateErasureRequest schedules the user's account for deletion after the
// grace period and revokes their access immediately. A sole admin of any
// organization is blocked. When the actor in ctx differs from userID the
// request is recorded as admin-initiated.
func (m *Manager) CreateErasureRequest(ctx context.Context, userID id.UserID) (*models.Result, error) {
	ctx, span := m.tracer.Start(ctx, "dsr.CreateErasureRequest")
	defer span.End()

	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "user id is required")
	}
	now := m.now(ctx)

	result, err := m.createRequest(ctx, userID, models.TypeErasure, func(ctx context.Context) (*models.Result, error) {
		orgs, err := m.memberships.ListAdminOrganizations(ctx, userID)
		if err != nil {
			return nil, err
		}
		blocking, err := m.soleAdminOrganizations(ctx, orgs)
		if err != nil {
			return nil, err
		}
		if len(blocking) > 0 {
			return &models.Result{
				Outcome:               models.OutcomeBlocked,
				BlockingOrganizations: blocking,
				Message:               blockedMessage(blocking),
			}, nil
		}

		req, err := models.NewErasureRequest(id.NewRequestID(), userID, now, m.gracePeriod)
		if err != nil {
			return nil, err
		}
		actor := m.stamp(ctx, req)
		if err := m.store.Create(ctx, req); err != nil {
			return nil, err
		}
		details := "Account deletion requested"
		if req.Metadata.AdminInitiated {
			details = "Account deletion requested by administrator"
		}
		_, err = m.auditor.Append(ctx, ledger.Event{
			Action:       ledger.ActionDataDeletionRequested,
			ActorUserID:  &actor,
			TargetUserID: &req.UserID,
			Details:      details,
			Metadata: ledger.ErasureRequested{
				RequestID:      req.ID.String(),
				ScheduledFor:   *req.ScheduledFor,
				AdminInitiated: req.Metadata.AdminInitiated,
			},
			ResourceType: resourceType,
			ResourceID:   req.ID.String(),
			Severity:     ledger.SeverityWarning,
		})
		if err != nil {
			return nil, err
		}
		return &models.Result{Outcome: models.OutcomeCreated, Request: req}, nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.IncDSRRequest(string(models.TypeErasure), string(result.Outcome))

	if result.Outcome == models.OutcomeCreated {
		m.revokeAccess(ctx, result.Request)
	}
	return result, nil
}

// CancelErasureRequest cancels the user's scheduled erasure while the grace
// period is still running.
func (m *Manager) CancelErasureRequest(ctx context.Context, userID id.UserID) (*models.Result, error) {
	ctx, span := m.tracer.Start(ctx, "dsr.CancelErasureRequest")
	defer span.End()

	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "user id is required")
	}
	now := m.now(ctx)

	var result *models.Result
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		req, err := m.store.FindActive(ctx, userID, models.TypeErasure)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				result = &models.Result{Outcome: models.OutcomeNotFound, Message: "no pending erasure request"}
				return nil
			}
			return err
		}
		if err := req.CanCancel(now); err != nil {
			result = &models.Result{Outcome: models.OutcomeNotCancellable, Request: req, Message: dErrors.MessageOf(err)}
			return nil
		}

		from := req.Status
		req.ApplyCancellation(now)
		if err := m.store.Update(ctx, req, from); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				result = &models.Result{Outcome: models.OutcomeNotCancellable, Message: "erasure is already being processed"}
				return nil
			}
			return err
		}

		actor := requestcontext.UserID(ctx)
		if actor.IsNil() {
			actor = userID
		}
		_, err = m.auditor.Append(ctx, ledger.Event{
			Action:       ledger.ActionDataDeletionCancelled,
			ActorUserID:  &actor,
			TargetUserID: &req.UserID,
			Details:      "Account deletion cancelled",
			Metadata: ledger.ErasureCancelled{
				RequestID:    req.ID.String(),
				ScheduledFor: *req.ScheduledFor,
			},
			ResourceType: resourceType,
			ResourceID:   req.ID.String(),
			Severity:     ledger.SeverityInfo,
		})
		if err != nil {
			return err
		}
		result = &models.Result{Outcome: models.OutcomeCancelled, Request: req}
		return nil
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to cancel erasure request")
	}
	return result, nil
}

// Status returns the latest export and erasure request of the user.
func (m *Manager) Status(ctx context.Context, userID id.UserID) (*models.StatusView, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "user id is required")
	}
	view := &models.StatusView{}
	for _, typ := range []models.Type{models.TypeExport, models.TypeErasure} {
		req, err := m.store.FindLatest(ctx, userID, typ)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load requests")
		}
		if typ == models.TypeExport {
			view.Export = req
		} else {
			view.Erasure = req
		}
	}
	return view, nil
}

// ListRequests is the admin view over all requests.
func (m *Manager) ListRequests(ctx context.Context, filter models.RequestFilter) (*models.RequestPage, error) {
	if filter.Type != "" && !filter.Type.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "invalid request type")
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "invalid request status")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = models.DefaultPageSize
	}
	filter.PageSize = min(filter.PageSize, models.MaxPageSize)

	requests, total, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list requests")
	}
	if requests == nil {
		requests = []*models.Request{}
	}
	return &models.RequestPage{
		Requests:   requests,
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: (total + filter.PageSize - 1) / filter.PageSize,
	}, nil
}

// createRequest runs build inside a transaction unless an active request of
// typ already exists. A unique violation from a concurrent creator is turned
// into a conflict result pointing at the winner.
func (m *Manager) createRequest(ctx context.Context, userID id.UserID, typ models.Type, build func(ctx context.Context) (*models.Result, error)) (*models.Result, error) {
	var result *models.Result
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := m.store.FindActive(ctx, userID, typ)
		if err == nil {
			result = conflictResult(existing)
			return nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		result, err = build(ctx)
		return err
	})
	if errors.Is(err, sentinel.ErrConflict) {
		existing, ferr := m.store.FindActive(ctx, userID, typ)
		switch {
		case ferr == nil:
			return conflictResult(existing), nil
		case errors.Is(ferr, sentinel.ErrNotFound):
			return &models.Result{Outcome: models.OutcomeConflict, Message: "a concurrent " + string(typ) + " request was created"}, nil
		default:
			return nil, dErrors.Wrap(ferr, dErrors.CodeInternal, "failed to load active request")
		}
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create "+string(typ)+" request")
	}
	return result, nil
}

// stamp records client metadata and the initiating actor on req and returns
// the actor.
func (m *Manager) stamp(ctx context.Context, req *models.Request) id.UserID {
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		req.IPAddress = &ip
	}
	if ua := requestcontext.UserAgent(ctx); ua != "" {
		req.UserAgent = &ua
	}
	actor := requestcontext.UserID(ctx)
	if actor.IsNil() || actor == req.UserID {
		return req.UserID
	}
	req.Metadata.AdminInitiated = true
	req.Metadata.InitiatedBy = &actor
	return actor
}

// revokeAccess ends the user's sessions right away even though deletion is
// deferred. Failures are logged and recorded; they do not undo the request.
func (m *Manager) revokeAccess(ctx context.Context, req *models.Request) {
	sessions, sessErr := m.sessions.RevokeAllSessions(ctx, req.UserID)
	tokens, tokenErr := m.sessions.RevokeAllRefreshTokens(ctx, req.UserID)
	revokeErr := errors.Join(sessErr, tokenErr)
	if revokeErr != nil {
		m.metrics.IncSessionRevokeFailure()
		m.logger.ErrorContext(ctx, "failed to revoke access for erasure request",
			"request_id", req.ID.String(),
			"user_id", req.UserID.String(),
			"error", revokeErr,
		)
	}

	meta := ledger.SessionsRevoked{RequestID: req.ID.String(), Sessions: sessions, RefreshTokens: tokens}
	if revokeErr != nil {
		meta.Error = revokeErr.Error()
	}
	actor := req.UserID
	if req.Metadata.InitiatedBy != nil {
		actor = *req.Metadata.InitiatedBy
	}
	_, err := m.auditor.Append(ctx, ledger.Event{
		Action:       ledger.ActionSessionsRevoked,
		ActorUserID:  &actor,
		TargetUserID: &req.UserID,
		Details:      fmt.Sprintf("Revoked %d sessions and %d refresh tokens after erasure request", sessions, tokens),
		Metadata:     meta,
		ResourceType: resourceType,
		ResourceID:   req.ID.String(),
		Severity:     ledger.SeverityWarning,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to audit session revocation",
			"request_id", req.ID.String(),
			"error", err,
		)
	}

	from := req.Status
	req.Metadata.SessionsRevoked = sessions
	req.Metadata.RefreshTokensRevoked = tokens
	if err := m.store.Update(ctx, req, from); err != nil && !errors.Is(err, sentinel.ErrInvalidState) {
		m.logger.WarnContext(ctx, "failed to record revocation counts",
			"request_id", req.ID.String(),
			"error", err,
		)
	}
}

func (m *Manager) failExport(ctx context.Context, req *models.Request, reason string) {
	if err := req.CanFail(); err != nil {
		return
	}
	req.ApplyFailure(reason)
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := m.store.Update(ctx, req, models.StatusProcessing); err != nil {
			return err
		}
		_, err := m.auditor.Append(ctx, ledger.Event{
			Action:       ledger.ActionDataExportFailed,
			TargetUserID: &req.UserID,
			Details:      "Data export failed",
			Metadata:     ledger.ExportFailed{RequestID: req.ID.String(), Reason: reason},
			ResourceType: resourceType,
			ResourceID:   req.ID.String(),
			Severity:     ledger.SeverityError,
		})
		return err
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record export failure",
			"request_id", req.ID.String(),
			"error", err,
		)
	}
}

func conflictResult(existing *models.Request) *models.Result {
	msg := "an active " + string(existing.Type) + " request already exists"
	if existing.ScheduledFor != nil && existing.Type == models.TypeErasure {
		msg += ", scheduled for " + existing.ScheduledFor.Format(time.RFC3339)
	}
	return &models.Result{Outcome: models.OutcomeConflict, Request: existing, Message: msg}
}

// soleAdminOrganizations returns the organizations that would be left
// without an admin. A co-admin with an active erasure of their own is leaving
// too and does not count.
func (m *Manager) soleAdminOrganizations(ctx context.Context, orgs []models.AdminOrganization) ([]models.AdminOrganization, error) {
	leaving := map[id.UserID]bool{}
	var blocking []models.AdminOrganization
	for _, org := range orgs {
		remaining := org.OtherAdminCount
		for _, adminID := range org.OtherAdminIDs {
			gone, seen := leaving[adminID]
			if !seen {
				_, err := m.store.FindActive(ctx, adminID, models.TypeErasure)
				switch {
				case err == nil:
					gone = true
				case !errors.Is(err, sentinel.ErrNotFound):
					return nil, err
				}
				leaving[adminID] = gone
			}
			if gone {
				remaining--
			}
		}
		if remaining <= 0 {
			org.OtherAdminCount = 0
			blocking = append(blocking, org)
		}
	}
	return blocking, nil
}

func blockedMessage(orgs []models.AdminOrganization) string {
	names := make([]string, 0, len(orgs))
	for _, org := range orgs {
		names = append(names, org.Name)
	}
	return "you are the only remaining admin of: " + strings.Join(names, ", ") +
		"; assign another admin or delete the organization first"
}

func archiveKey(req *models.Request) string {
	return fmt.Sprintf("exports/%s/%s.json", req.UserID, req.ID)
}

func (m *Manager) archivePayload(ctx context.Context, payload *models.ExportPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal export payload: %w", err)
	}
	return m.archive.Put(ctx, payload.ArchiveKey, body)
}
