package service

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"custodian/internal/dsr/models"
	"custodian/internal/dsr/service/mocks"
	"custodian/internal/dsr/store/memory"
	"custodian/internal/ledger"
	ledgermemory "custodian/internal/ledger/store/memory"
	"custodian/internal/platform/logger"
	"custodian/internal/platform/metrics"
	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
	"custodian/pkg/requestcontext"
)

// =============================================================================
// Manager Test Suite
// =============================================================================
// Request and audit state live in the in-memory stores so the tests observe
// real transitions; collaborators outside the package are mocked.

type ManagerSuite struct {
	suite.Suite
	ctrl        *gomock.Controller
	store       *memory.InMemoryStore
	tx          *memory.TxRunner
	auditStore  *ledgermemory.InMemoryStore
	ledger      *ledger.Ledger
	memberships *mocks.MockMembershipQuerier
	accounts    *mocks.MockAccountDeleter
	sessions    *mocks.MockSessionRevoker
	gatherer    *mocks.MockDataGatherer
	archive     *mocks.MockExportArchive
	manager     *Manager

	mu  sync.Mutex
	now time.Time
}

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = memory.NewInMemoryStore()
	s.tx = memory.NewTxRunner()
	s.auditStore = ledgermemory.NewInMemoryStore()
	s.memberships = mocks.NewMockMembershipQuerier(s.ctrl)
	s.accounts = mocks.NewMockAccountDeleter(s.ctrl)
	s.sessions = mocks.NewMockSessionRevoker(s.ctrl)
	s.gatherer = mocks.NewMockDataGatherer(s.ctrl)
	s.archive = mocks.NewMockExportArchive(s.ctrl)
	s.setNow(t0)

	signer, err := ledger.NewSigner("test-secret")
	s.Require().NoError(err)
	s.ledger = ledger.New(s.auditStore, signer,
		ledger.WithLogger(logger.Discard()),
		ledger.WithClock(s.clock),
	)

	s.manager, err = New(s.store, s.tx, s.ledger, s.collaborators(),
		WithLogger(logger.Discard()),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithClock(s.clock),
		WithExportArchive(s.archive),
	)
	s.Require().NoError(err)
}

func (s *ManagerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ManagerSuite) collaborators() Collaborators {
	return Collaborators{
		Memberships: s.memberships,
		Accounts:    s.accounts,
		Sessions:    s.sessions,
		Gatherer:    s.gatherer,
	}
}

func (s *ManagerSuite) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManagerSuite) setNow(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

func (s *ManagerSuite) expectNoAdminOrgs(userID id.UserID) {
	s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), userID).Return(nil, nil).AnyTimes()
}

func (s *ManagerSuite) expectRevocation(userID id.UserID) {
	s.sessions.EXPECT().RevokeAllSessions(gomock.Any(), userID).Return(2, nil)
	s.sessions.EXPECT().RevokeAllRefreshTokens(gomock.Any(), userID).Return(3, nil)
}

// scheduleErasure creates an erasure request for a fresh user at the current time.
func (s *ManagerSuite) scheduleErasure() (id.UserID, *models.Request) {
	userID := id.UserID(uuid.New())
	s.expectNoAdminOrgs(userID)
	s.expectRevocation(userID)
	result, err := s.manager.CreateErasureRequest(context.Background(), userID)
	s.Require().NoError(err)
	s.Require().Equal(models.OutcomeCreated, result.Outcome)
	return userID, result.Request
}

func (s *ManagerSuite) auditEntries(action ledger.Action) []*ledger.Entry {
	var out []*ledger.Entry
	for _, e := range s.auditStore.All() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (s *ManagerSuite) stored(requestID id.RequestID) *models.Request {
	req, err := s.store.FindByID(context.Background(), requestID)
	s.Require().NoError(err)
	return req
}

// =============================================================================
// Constructor
// =============================================================================

func (s *ManagerSuite) TestNew() {
	c := s.collaborators()

	s.Run("nil store returns error", func() {
		_, err := New(nil, s.tx, s.ledger, c)
		s.ErrorContains(err, "request store is required")
	})

	s.Run("nil tx runner returns error", func() {
		_, err := New(s.store, nil, s.ledger, c)
		s.ErrorContains(err, "tx runner is required")
	})

	s.Run("nil auditor returns error", func() {
		_, err := New(s.store, s.tx, nil, c)
		s.ErrorContains(err, "auditor is required")
	})

	s.Run("missing collaborator returns error", func() {
		missing := c
		missing.Accounts = nil
		_, err := New(s.store, s.tx, s.ledger, missing)
		s.ErrorContains(err, "account deleter is required")
	})

	s.Run("options are applied", func() {
		m, err := New(s.store, s.tx, s.ledger, c, WithGracePeriod(time.Hour), WithSweepConcurrency(8), WithStuckAfter(0))
		s.Require().NoError(err)
		s.Equal(time.Hour, m.gracePeriod)
		s.Equal(8, m.sweepConcurrency)
		s.Zero(m.stuckAfter)
	})
}

// =============================================================================
// Export
// =============================================================================

func (s *ManagerSuite) TestCreateExportRequest() {
	ctx := context.Background()

	s.Run("creates a processing request and audits it", func() {
		userID := id.UserID(uuid.New())
		rctx := requestcontext.WithClientMetadata(ctx, "198.51.100.4", "Mozilla/5.0")

		result, err := s.manager.CreateExportRequest(rctx, userID)
		s.Require().NoError(err)
		s.Equal(models.OutcomeCreated, result.Outcome)
		s.Equal(models.StatusProcessing, result.Request.Status)
		s.Equal(t0, result.Request.RequestedAt)
		s.Require().NotNil(result.Request.IPAddress)
		s.Equal("198.51.100.4", *result.Request.IPAddress)

		entries := s.auditEntries(ledger.ActionDataExportRequested)
		s.Require().Len(entries, 1)
		s.Equal(ledger.SeverityInfo, entries[0].Severity)
		s.Equal(userID, *entries[0].TargetUserID)
	})

	s.Run("nil user is rejected", func() {
		_, err := s.manager.CreateExportRequest(ctx, id.UserID(uuid.Nil))
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *ManagerSuite) TestDoubleExportReturnsConflictWithSingleAuditEntry() {
	ctx := context.Background()
	userID := id.UserID(uuid.New())

	first, err := s.manager.CreateExportRequest(ctx, userID)
	s.Require().NoError(err)
	second, err := s.manager.CreateExportRequest(ctx, userID)
	s.Require().NoError(err)

	s.Equal(models.OutcomeConflict, second.Outcome)
	s.Require().NotNil(second.Request)
	s.Equal(first.Request.ID, second.Request.ID)

	var forUser int
	for _, e := range s.auditEntries(ledger.ActionDataExportRequested) {
		if *e.TargetUserID == userID {
			forUser++
		}
	}
	s.Equal(1, forUser)
}

func (s *ManagerSuite) TestConcurrentCreationYieldsOneActiveRequest() {
	ctx := context.Background()
	userID := id.UserID(uuid.New())
	s.expectNoAdminOrgs(userID)
	s.expectRevocation(userID)

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[models.Outcome]int{}
	)
	for range callers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, err := s.manager.CreateExportRequest(ctx, userID)
			s.NoError(err)
			mu.Lock()
			outcomes["export_"+r.Outcome]++
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			r, err := s.manager.CreateErasureRequest(ctx, userID)
			s.NoError(err)
			mu.Lock()
			outcomes["erasure_"+r.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Equal(1, outcomes["export_created"])
	s.Equal(callers-1, outcomes["export_conflict"])
	s.Equal(1, outcomes["erasure_created"])
	s.Equal(callers-1, outcomes["erasure_conflict"])

	active, _, err := s.store.List(ctx, models.RequestFilter{UserID: &userID, Page: 1, PageSize: 100})
	s.Require().NoError(err)
	s.Len(active, 2)
}

func (s *ManagerSuite) TestGenerateExport() {
	ctx := context.Background()
	data := &models.UserDataExport{
		Profile:    models.ExportProfile{Email: "ada@example.test"},
		Redactions: []string{"profile.password_hash", "api_tokens[].token_hash", "api_tokens[].public_key"},
		Statistics: map[string]int{"memberships": 2, "sessions": 1},
	}

	s.Run("completes the request and archives the payload", func() {
		userID := id.UserID(uuid.New())
		created, err := s.manager.CreateExportRequest(ctx, userID)
		s.Require().NoError(err)
		reqID := created.Request.ID

		s.gatherer.EXPECT().GatherExportableData(gomock.Any(), userID).Return(data, nil)
		s.archive.EXPECT().Put(gomock.Any(), "exports/"+userID.String()+"/"+reqID.String()+".json", gomock.Any()).Return(nil)

		payload, err := s.manager.GenerateExport(ctx, reqID, userID)
		s.Require().NoError(err)
		s.Equal(models.ExportSchemaVersion, payload.SchemaVersion)
		s.Equal(data.Redactions, payload.Redactions)
		s.Equal(2, payload.Statistics["memberships"])

		req := s.stored(reqID)
		s.Equal(models.StatusCompleted, req.Status)
		s.Require().NotNil(req.CompletedAt)
		s.Nil(req.ExecutedAt)
		s.Equal(data.Statistics, req.Metadata.ExportStatistics)
		s.Len(s.auditEntries(ledger.ActionDataExportCompleted), 1)

		s.Run("completed request cannot be generated again", func() {
			_, err := s.manager.GenerateExport(ctx, reqID, userID)
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
		})

		s.Run("a new export is allowed once the previous one completed", func() {
			again, err := s.manager.CreateExportRequest(ctx, userID)
			s.Require().NoError(err)
			s.Equal(models.OutcomeCreated, again.Outcome)
		})
	})

	s.Run("another user's request is not found", func() {
		owner := id.UserID(uuid.New())
		created, err := s.manager.CreateExportRequest(ctx, owner)
		s.Require().NoError(err)

		_, err = s.manager.GenerateExport(ctx, created.Request.ID, id.UserID(uuid.New()))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("unknown request is not found", func() {
		_, err := s.manager.GenerateExport(ctx, id.NewRequestID(), id.UserID(uuid.New()))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("gathering failure marks the request failed", func() {
		userID := id.UserID(uuid.New())
		created, err := s.manager.CreateExportRequest(ctx, userID)
		s.Require().NoError(err)
		s.gatherer.EXPECT().GatherExportableData(gomock.Any(), userID).Return(nil, errors.New("replica lag"))

		_, err = s.manager.GenerateExport(ctx, created.Request.ID, userID)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))

		req := s.stored(created.Request.ID)
		s.Equal(models.StatusFailed, req.Status)
		s.Require().NotNil(req.FailureReason)
		s.Contains(*req.FailureReason, "replica lag")

		failed := s.auditEntries(ledger.ActionDataExportFailed)
		s.Require().NotEmpty(failed)
		s.Equal(ledger.SeverityError, failed[len(failed)-1].Severity)
	})

	s.Run("archive failure marks the request failed", func() {
		userID := id.UserID(uuid.New())
		created, err := s.manager.CreateExportRequest(ctx, userID)
		s.Require().NoError(err)
		s.gatherer.EXPECT().GatherExportableData(gomock.Any(), userID).Return(data, nil)
		s.archive.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("bucket missing"))

		_, err = s.manager.GenerateExport(ctx, created.Request.ID, userID)
		s.Require().Error(err)
		s.Equal(models.StatusFailed, s.stored(created.Request.ID).Status)
	})
}

// =============================================================================
// Erasure
// =============================================================================

func (s *ManagerSuite) TestCreateErasureRequest() {
	ctx := context.Background()

	s.Run("schedules after the grace period and revokes access", func() {
		userID, req := s.scheduleErasure()

		s.Equal(models.StatusScheduled, req.Status)
		s.Require().NotNil(req.ScheduledFor)
		s.Equal(t0.Add(7*24*time.Hour), *req.ScheduledFor)

		stored := s.stored(req.ID)
		s.Equal(2, stored.Metadata.SessionsRevoked)
		s.Equal(3, stored.Metadata.RefreshTokensRevoked)
		s.False(stored.Metadata.AdminInitiated)

		requested := s.auditEntries(ledger.ActionDataDeletionRequested)
		s.Require().Len(requested, 1)
		s.Equal(ledger.SeverityWarning, requested[0].Severity)
		s.Equal(userID, *requested[0].ActorUserID)

		revoked := s.auditEntries(ledger.ActionSessionsRevoked)
		s.Require().Len(revoked, 1)
		s.Equal(ledger.SeverityWarning, revoked[0].Severity)
		meta, err := revoked[0].DecodeMetadata()
		s.Require().NoError(err)
		s.Equal(2, meta.(*ledger.SessionsRevoked).Sessions)
	})

	s.Run("active erasure returns conflict with its schedule", func() {
		userID, req := s.scheduleErasure()
		result, err := s.manager.CreateErasureRequest(ctx, userID)
		s.Require().NoError(err)
		s.Equal(models.OutcomeConflict, result.Outcome)
		s.Equal(req.ID, result.Request.ID)
		s.Equal(*req.ScheduledFor, *result.Request.ScheduledFor)
		s.Contains(result.Message, "scheduled for")
	})

	s.Run("revocation failure does not undo the request", func() {
		userID := id.UserID(uuid.New())
		s.expectNoAdminOrgs(userID)
		s.sessions.EXPECT().RevokeAllSessions(gomock.Any(), userID).Return(0, errors.New("redis timeout"))
		s.sessions.EXPECT().RevokeAllRefreshTokens(gomock.Any(), userID).Return(1, nil)

		result, err := s.manager.CreateErasureRequest(ctx, userID)
		s.Require().NoError(err)
		s.Equal(models.OutcomeCreated, result.Outcome)

		revoked := s.auditEntries(ledger.ActionSessionsRevoked)
		meta, err := revoked[len(revoked)-1].DecodeMetadata()
		s.Require().NoError(err)
		s.Contains(meta.(*ledger.SessionsRevoked).Error, "redis timeout")
	})

	s.Run("admin-initiated erasure records the initiator", func() {
		adminID := id.UserID(uuid.New())
		userID := id.UserID(uuid.New())
		s.expectNoAdminOrgs(userID)
		s.expectRevocation(userID)

		actx := requestcontext.WithUserID(ctx, adminID)
		result, err := s.manager.CreateErasureRequest(actx, userID)
		s.Require().NoError(err)
		s.True(result.Request.Metadata.AdminInitiated)
		s.Equal(adminID, *result.Request.Metadata.InitiatedBy)

		requested := s.auditEntries(ledger.ActionDataDeletionRequested)
		last := requested[len(requested)-1]
		s.Equal(adminID, *last.ActorUserID)
		s.Equal(userID, *last.TargetUserID)
	})

	s.Run("membership failure is an internal error", func() {
		userID := id.UserID(uuid.New())
		s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), userID).Return(nil, errors.New("db down"))
		_, err := s.manager.CreateErasureRequest(ctx, userID)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		_, ferr := s.store.FindActive(ctx, userID, models.TypeErasure)
		s.Error(ferr)
	})
}

func (s *ManagerSuite) TestSoleAdminIsBlockedUntilSecondAdminJoins() {
	ctx := context.Background()
	userID := id.UserID(uuid.New())
	acme := models.AdminOrganization{OrganizationID: id.OrganizationID(uuid.New()), Name: "Acme"}
	globex := models.AdminOrganization{OrganizationID: id.OrganizationID(uuid.New()), Name: "Globex", OtherAdminCount: 1}

	s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), userID).
		Return([]models.AdminOrganization{acme, globex}, nil)

	blocked, err := s.manager.CreateErasureRequest(ctx, userID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeBlocked, blocked.Outcome)
	s.Require().Len(blocked.BlockingOrganizations, 1)
	s.Equal("Acme", blocked.BlockingOrganizations[0].Name)
	s.Contains(blocked.Message, "Acme")
	s.NotContains(blocked.Message, "Globex")
	s.Empty(s.auditEntries(ledger.ActionDataDeletionRequested))

	acme.OtherAdminCount = 1
	s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), userID).
		Return([]models.AdminOrganization{acme, globex}, nil)
	s.expectRevocation(userID)

	allowed, err := s.manager.CreateErasureRequest(ctx, userID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeCreated, allowed.Outcome)
}

func (s *ManagerSuite) TestCoAdminsCannotBothLeaveAnOrganization() {
	ctx := context.Background()
	ada, bob, cy := id.UserID(uuid.New()), id.UserID(uuid.New()), id.UserID(uuid.New())
	acme := id.OrganizationID(uuid.New())
	adminOf := func(others ...id.UserID) []models.AdminOrganization {
		return []models.AdminOrganization{{
			OrganizationID: acme, Name: "Acme", OtherAdminCount: len(others), OtherAdminIDs: others,
		}}
	}
	s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), ada).Return(adminOf(bob), nil).AnyTimes()

	s.expectRevocation(ada)
	first, err := s.manager.CreateErasureRequest(ctx, ada)
	s.Require().NoError(err)
	s.Require().Equal(models.OutcomeCreated, first.Outcome)

	s.Run("second admin is blocked while the first is leaving", func() {
		s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), bob).Return(adminOf(ada), nil)

		result, err := s.manager.CreateErasureRequest(ctx, bob)
		s.Require().NoError(err)
		s.Equal(models.OutcomeBlocked, result.Outcome)
		s.Require().Len(result.BlockingOrganizations, 1)
		s.Equal("Acme", result.BlockingOrganizations[0].Name)
		s.Zero(result.BlockingOrganizations[0].OtherAdminCount)
		_, ferr := s.store.FindActive(ctx, bob, models.TypeErasure)
		s.Error(ferr)
	})

	s.Run("a third admin who stays lets the second leave", func() {
		s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), bob).Return(adminOf(ada, cy), nil)
		s.expectRevocation(bob)

		result, err := s.manager.CreateErasureRequest(ctx, bob)
		s.Require().NoError(err)
		s.Equal(models.OutcomeCreated, result.Outcome)
	})

	s.Run("cy is now the last admin standing", func() {
		s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), cy).Return(adminOf(ada, bob), nil)

		result, err := s.manager.CreateErasureRequest(ctx, cy)
		s.Require().NoError(err)
		s.Equal(models.OutcomeBlocked, result.Outcome)
	})

	s.Run("cancelling frees the organization for the other admin", func() {
		s.setNow(t0.Add(time.Hour))
		defer s.setNow(t0)
		cancelled, err := s.manager.CancelErasureRequest(ctx, ada)
		s.Require().NoError(err)
		s.Require().Equal(models.OutcomeCancelled, cancelled.Outcome)

		s.memberships.EXPECT().ListAdminOrganizations(gomock.Any(), cy).Return(adminOf(ada, bob), nil)
		s.expectRevocation(cy)
		result, err := s.manager.CreateErasureRequest(ctx, cy)
		s.Require().NoError(err)
		s.Equal(models.OutcomeCreated, result.Outcome)
	})
}

func (s *ManagerSuite) TestCancelErasureRequest() {
	ctx := context.Background()

	s.Run("succeeds just before the scheduled time", func() {
		userID, req := s.scheduleErasure()
		s.setNow(req.ScheduledFor.Add(-time.Microsecond))
		defer s.setNow(t0)

		result, err := s.manager.CancelErasureRequest(ctx, userID)
		s.Require().NoError(err)
		s.Equal(models.OutcomeCancelled, result.Outcome)
		s.Equal(models.StatusCancelled, s.stored(req.ID).Status)
		s.NotEmpty(s.auditEntries(ledger.ActionDataDeletionCancelled))
	})

	s.Run("fails exactly at the scheduled time", func() {
		userID, req := s.scheduleErasure()
		s.setNow(*req.ScheduledFor)
		defer s.setNow(t0)

		result, err := s.manager.CancelErasureRequest(ctx, userID)
		s.Require().NoError(err)
		s.Equal(models.OutcomeNotCancellable, result.Outcome)
		s.Equal(models.StatusScheduled, s.stored(req.ID).Status)
	})

	s.Run("nothing to cancel is not found", func() {
		result, err := s.manager.CancelErasureRequest(ctx, id.UserID(uuid.New()))
		s.Require().NoError(err)
		s.Equal(models.OutcomeNotFound, result.Outcome)
	})

	s.Run("request claimed by the sweep cannot be cancelled", func() {
		userID, req := s.scheduleErasure()
		claimed := s.stored(req.ID)
		claimed.ApplyStartProcessing(*req.ScheduledFor)
		s.Require().NoError(s.store.Update(ctx, claimed, models.StatusScheduled))

		result, err := s.manager.CancelErasureRequest(ctx, userID)
		s.Require().NoError(err)
		s.Equal(models.OutcomeNotCancellable, result.Outcome)
	})
}

func (s *ManagerSuite) TestCancelThenRequestAgainScenario() {
	ctx := context.Background()
	userID := id.UserID(uuid.New())
	s.expectNoAdminOrgs(userID)
	s.sessions.EXPECT().RevokeAllSessions(gomock.Any(), userID).Return(1, nil).Times(2)
	s.sessions.EXPECT().RevokeAllRefreshTokens(gomock.Any(), userID).Return(1, nil).Times(2)
	// No DeleteUserCascade expectation: the account must never be deleted.

	first, err := s.manager.CreateErasureRequest(ctx, userID)
	s.Require().NoError(err)
	s.Equal(t0.Add(7*24*time.Hour), *first.Request.ScheduledFor)
	s.Equal(models.StatusScheduled, first.Request.Status)

	s.setNow(t0.Add(3 * 24 * time.Hour))
	cancelled, err := s.manager.CancelErasureRequest(ctx, userID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeCancelled, cancelled.Outcome)
	s.Require().NotNil(cancelled.Request.CancelledAt)
	s.Equal(t0.Add(3*24*time.Hour), *cancelled.Request.CancelledAt)

	s.setNow(t0.Add(4 * 24 * time.Hour))
	second, err := s.manager.CreateErasureRequest(ctx, userID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeCreated, second.Outcome)
	s.Equal(t0.Add(11*24*time.Hour), *second.Request.ScheduledFor)

	s.setNow(t0.Add(8 * 24 * time.Hour))
	sweep, err := s.manager.ProcessDueErasureRequests(ctx)
	s.Require().NoError(err)
	s.Zero(sweep.Due)
	s.Equal(models.StatusCancelled, s.stored(first.Request.ID).Status)
}

// =============================================================================
// Sweep
// =============================================================================

func (s *ManagerSuite) TestSweepIsolatesFailures() {
	ctx := context.Background()
	u1, r1 := s.scheduleErasure()
	u2, r2 := s.scheduleErasure()
	u3, r3 := s.scheduleErasure()

	s.setNow(t0.Add(7 * 24 * time.Hour))
	s.accounts.EXPECT().DeleteUserCascade(gomock.Any(), u1).Return(nil)
	s.accounts.EXPECT().DeleteUserCascade(gomock.Any(), u2).Return(errors.New("foreign key violation on invoices"))
	s.accounts.EXPECT().DeleteUserCascade(gomock.Any(), u3).Return(nil)

	result, err := s.manager.ProcessDueErasureRequests(ctx)
	s.Require().NoError(err)

	s.Equal(3, result.Due)
	s.Equal(2, result.Processed)
	s.Equal(1, result.Failed)
	s.Require().Len(result.Errors, 1)
	s.Equal(r2.ID, result.Errors[0].RequestID)
	s.Equal(u2, result.Errors[0].UserID)
	s.Contains(result.Errors[0].Error, "foreign key violation")

	for _, req := range []*models.Request{r1, r3} {
		done := s.stored(req.ID)
		s.Equal(models.StatusCompleted, done.Status)
		s.Require().NotNil(done.CompletedAt)
		s.Require().NotNil(done.ExecutedAt)
	}
	failed := s.stored(r2.ID)
	s.Equal(models.StatusFailed, failed.Status)
	s.Require().NotNil(failed.FailureReason)
	s.NotEmpty(*failed.FailureReason)

	completed := s.auditEntries(ledger.ActionDataDeletionCompleted)
	s.Require().Len(completed, 2)
	for _, e := range completed {
		s.Equal(ledger.SeverityWarning, e.Severity)
		s.Nil(e.TargetUserID)
		meta, err := e.DecodeMetadata()
		s.Require().NoError(err)
		s.Contains([]string{u1.String(), u3.String()}, meta.(*ledger.ErasureCompleted).UserID)
	}
	deletionFailed := s.auditEntries(ledger.ActionDataDeletionFailed)
	s.Require().Len(deletionFailed, 1)
	s.Equal(ledger.SeverityError, deletionFailed[0].Severity)

	s.Run("a second sweep finds nothing to do", func() {
		again, err := s.manager.ProcessDueErasureRequests(ctx)
		s.Require().NoError(err)
		s.Zero(again.Due)
		s.Zero(again.Failed)
		s.Empty(again.Errors)
	})
}

func (s *ManagerSuite) TestSweepOnlySelectsDueRequests() {
	ctx := context.Background()
	due, dueReq := s.scheduleErasure()
	s.setNow(t0.Add(24 * time.Hour))
	_, laterReq := s.scheduleErasure()

	s.setNow(t0.Add(7 * 24 * time.Hour))
	s.accounts.EXPECT().DeleteUserCascade(gomock.Any(), due).Return(nil)

	result, err := s.manager.ProcessDueErasureRequests(ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Due)
	s.Equal(1, result.Processed)
	s.Equal(models.StatusCompleted, s.stored(dueReq.ID).Status)
	s.Equal(models.StatusScheduled, s.stored(laterReq.ID).Status)
}

func (s *ManagerSuite) TestSweepSkipsRequestsClaimedElsewhere() {
	ctx := context.Background()
	_, req := s.scheduleErasure()
	stale := s.stored(req.ID)

	// Another runner claims the request after this one listed it.
	claimed := s.stored(req.ID)
	claimed.ApplyStartProcessing(*req.ScheduledFor)
	s.Require().NoError(s.store.Update(ctx, claimed, models.StatusScheduled))

	outcome, err := s.manager.executeErasure(ctx, stale, *req.ScheduledFor)
	s.NoError(err)
	s.Equal(outcomeSkipped, outcome)
}

func (s *ManagerSuite) TestStuckProcessingWatchdog() {
	ctx := context.Background()

	insertProcessing := func(processedAt time.Time, attempts int) (id.UserID, *models.Request) {
		userID := id.UserID(uuid.New())
		scheduled := processedAt
		req := &models.Request{
			ID:           id.NewRequestID(),
			UserID:       userID,
			Type:         models.TypeErasure,
			Status:       models.StatusProcessing,
			RequestedAt:  processedAt.Add(-7 * 24 * time.Hour),
			ScheduledFor: &scheduled,
			ProcessedAt:  &processedAt,
			Metadata:     models.Metadata{RecoveryAttempts: attempts},
		}
		s.Require().NoError(s.store.Create(ctx, req))
		return userID, req
	}

	sweepAt := t0.Add(30 * 24 * time.Hour)
	s.setNow(sweepAt)

	stuckUser, stuck := insertProcessing(sweepAt.Add(-2*time.Hour), 0)
	_, fresh := insertProcessing(sweepAt.Add(-10*time.Minute), 0)
	_, exhausted := insertProcessing(sweepAt.Add(-5*time.Hour), DefaultMaxRecoveryAttempts)

	s.accounts.EXPECT().DeleteUserCascade(gomock.Any(), stuckUser).Return(nil)

	result, err := s.manager.ProcessDueErasureRequests(ctx)
	s.Require().NoError(err)

	s.Equal(1, result.Recovered)
	s.Equal(1, result.Due)
	s.Equal(1, result.Processed)
	s.Equal(1, result.Failed)
	s.Require().Len(result.Errors, 1)
	s.Equal(exhausted.ID, result.Errors[0].RequestID)
	s.Equal(reasonRecoveryExhausted, result.Errors[0].Error)

	recovered := s.stored(stuck.ID)
	s.Equal(models.StatusCompleted, recovered.Status)
	s.Equal(1, recovered.Metadata.RecoveryAttempts)
	s.Equal(models.StatusProcessing, s.stored(fresh.ID).Status)

	gaveUp := s.stored(exhausted.ID)
	s.Equal(models.StatusFailed, gaveUp.Status)
	s.Equal(reasonRecoveryExhausted, *gaveUp.FailureReason)

	entries := s.auditEntries(ledger.ActionDataDeletionRecovered)
	s.Require().Len(entries, 1)
	meta, err := entries[0].DecodeMetadata()
	s.Require().NoError(err)
	s.Equal(1, meta.(*ledger.ErasureRecovered).Attempt)
}

func (s *ManagerSuite) TestSweepStoreFailureIsReturned() {
	store := mocks.NewMockStore(s.ctrl)
	m, err := New(store, s.tx, s.ledger, s.collaborators(), WithLogger(logger.Discard()), WithClock(s.clock))
	s.Require().NoError(err)

	store.EXPECT().ListStuck(gomock.Any(), t0.Add(-DefaultStuckAfter), DefaultSweepLimit).Return(nil, nil)
	store.EXPECT().ListDue(gomock.Any(), t0, DefaultSweepLimit).Return(nil, errors.New("connection reset"))

	_, err = m.ProcessDueErasureRequests(context.Background())
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

// =============================================================================
// Views
// =============================================================================

func (s *ManagerSuite) TestStatusAndList() {
	ctx := context.Background()
	userID, erasure := s.scheduleErasure()
	export, err := s.manager.CreateExportRequest(ctx, userID)
	s.Require().NoError(err)
	s.scheduleErasure()

	view, err := s.manager.Status(ctx, userID)
	s.Require().NoError(err)
	s.Equal(export.Request.ID, view.Export.ID)
	s.Equal(erasure.ID, view.Erasure.ID)

	empty, err := s.manager.Status(ctx, id.UserID(uuid.New()))
	s.Require().NoError(err)
	s.Nil(empty.Export)
	s.Nil(empty.Erasure)

	page, err := s.manager.ListRequests(ctx, models.RequestFilter{Type: models.TypeErasure})
	s.Require().NoError(err)
	s.Equal(2, page.Total)
	s.Equal(models.DefaultPageSize, page.PageSize)

	page, err = s.manager.ListRequests(ctx, models.RequestFilter{UserID: &userID, PageSize: 1})
	s.Require().NoError(err)
	s.Equal(2, page.Total)
	s.Equal(2, page.TotalPages)
	s.Len(page.Requests, 1)

	_, err = s.manager.ListRequests(ctx, models.RequestFilter{Status: "bogus"})
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}
