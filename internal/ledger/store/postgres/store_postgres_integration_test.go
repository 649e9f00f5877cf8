//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custodian/internal/ledger"
	"custodian/internal/ledger/store/postgres"
	"custodian/internal/platform/logger"
	id "custodian/pkg/domain"
	"custodian/pkg/testutil/containers"
)

type LedgerPostgresSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
	ledger   *ledger.Ledger
	now      time.Time
}

func TestLedgerPostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(LedgerPostgresSuite))
}

func (s *LedgerPostgresSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = postgres.New(s.postgres.DB)
}

func (s *LedgerPostgresSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_entries"))
	s.now = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	signer, err := ledger.NewSigner("integration-secret")
	s.Require().NoError(err)
	s.ledger = ledger.New(s.store, signer,
		ledger.WithLogger(logger.Discard()),
		ledger.WithClock(func() time.Time {
			s.now = s.now.Add(time.Second)
			return s.now
		}),
	)
}

func (s *LedgerPostgresSuite) appendEntry(orgID *id.OrganizationID, severity ledger.Severity) *ledger.Entry {
	actor := id.UserID(uuid.New())
	e, err := s.ledger.Append(context.Background(), ledger.Event{
		Action:         ledger.ActionDataExportRequested,
		ActorUserID:    &actor,
		OrganizationID: orgID,
		Details:        "Data export requested by <ops> & co",
		Metadata:       ledger.ExportRequested{RequestID: uuid.NewString()},
		IPAddress:      "192.0.2.10",
		Severity:       severity,
	})
	s.Require().NoError(err)
	return e
}

// TestStoredEntriesVerify checks that hashes survive the round trip through
// TEXT metadata and timestamptz.
func (s *LedgerPostgresSuite) TestStoredEntriesVerify() {
	for range 5 {
		s.appendEntry(nil, ledger.SeverityInfo)
	}
	report, err := s.ledger.VerifyBatch(context.Background(), ledger.VerifyFilter{})
	s.Require().NoError(err)
	s.Equal(5, report.Total)
	s.Equal(5, report.Verified)
	s.False(report.TamperingDetected)
}

func (s *LedgerPostgresSuite) TestAppendOnlyTrigger() {
	ctx := context.Background()
	e := s.appendEntry(nil, ledger.SeverityInfo)

	s.Error(s.postgres.Exec(ctx, `UPDATE audit_entries SET details = 'rewritten' WHERE id = $1`, uuid.UUID(e.ID)))
	s.Error(s.postgres.Exec(ctx, `DELETE FROM audit_entries WHERE id = $1`, uuid.UUID(e.ID)))
	s.Error(s.postgres.Exec(ctx, `UPDATE audit_entries SET integrity_hash = 'x' WHERE id = $1`, uuid.UUID(e.ID)),
		"an existing hash cannot be replaced")
}

func (s *LedgerPostgresSuite) TestTamperingIsDetected() {
	ctx := context.Background()
	orgID := id.OrganizationID(uuid.New())
	victim := s.appendEntry(&orgID, ledger.SeverityWarning)
	s.appendEntry(&orgID, ledger.SeverityInfo)

	// Simulate an attacker with table owner rights.
	s.Require().NoError(s.postgres.Exec(ctx, `ALTER TABLE audit_entries DISABLE TRIGGER audit_entries_append_only`))
	s.Require().NoError(s.postgres.Exec(ctx, `UPDATE audit_entries SET severity = 'info' WHERE id = $1`, uuid.UUID(victim.ID)))
	s.Require().NoError(s.postgres.Exec(ctx, `ALTER TABLE audit_entries ENABLE TRIGGER audit_entries_append_only`))

	report, err := s.ledger.VerifyBatch(ctx, ledger.VerifyFilter{OrganizationID: &orgID})
	s.Require().NoError(err)
	s.True(report.TamperingDetected)
	s.Equal([]id.AuditEntryID{victim.ID}, report.TamperedIDs)

	page, err := s.ledger.Query(ctx, ledger.Query{Action: ledger.ActionAuditIntegrityViolation})
	s.Require().NoError(err)
	s.Equal(1, page.Total)
	s.Equal(ledger.SeverityCritical, page.Entries[0].Severity)
}

func (s *LedgerPostgresSuite) TestBackfill() {
	ctx := context.Background()
	for i := range 7 {
		s.Require().NoError(s.postgres.Exec(ctx, `
			INSERT INTO audit_entries (id, action, details, severity, created_at)
			VALUES ($1, 'legacy_login', 'legacy entry', 'info', $2)`,
			uuid.New(), s.now.Add(-time.Duration(i+1)*time.Hour)))
	}
	s.appendEntry(nil, ledger.SeverityInfo)

	dry, err := s.ledger.Backfill(ctx, 3, true)
	s.Require().NoError(err)
	s.Equal(7, dry.Processed)
	s.Zero(dry.Updated)

	result, err := s.ledger.Backfill(ctx, 3, false)
	s.Require().NoError(err)
	s.Equal(7, result.Updated)
	s.Equal(3, result.Batches)

	again, err := s.ledger.Backfill(ctx, 3, false)
	s.Require().NoError(err)
	s.Zero(again.Updated)

	report, err := s.ledger.VerifyBatch(ctx, ledger.VerifyFilter{})
	s.Require().NoError(err)
	s.Equal(8, report.Verified)
	s.Zero(report.MissingHash)
}

func (s *LedgerPostgresSuite) TestQueryAndStatistics() {
	ctx := context.Background()
	orgID := id.OrganizationID(uuid.New())
	for range 3 {
		s.appendEntry(&orgID, ledger.SeverityWarning)
	}
	s.appendEntry(nil, ledger.SeverityInfo)

	page, err := s.ledger.Query(ctx, ledger.Query{OrganizationID: &orgID, Search: "<OPS>"})
	s.Require().NoError(err)
	s.Equal(3, page.Total)

	page, err = s.ledger.Query(ctx, ledger.Query{Search: "100%"})
	s.Require().NoError(err)
	s.Zero(page.Total)

	stats, err := s.ledger.Statistics(ctx, ledger.StatsFilter{})
	s.Require().NoError(err)
	s.Equal(4, stats.Total)
	s.Equal(3, stats.BySeverity[ledger.SeverityWarning])
	s.Zero(stats.MissingHash)
}
