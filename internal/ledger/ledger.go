// Package ledger is the append-only, tamper-evident audit trail.
//
// Every entry is hashed with an HMAC over a canonical field set at append
// time. Verification recomputes the hash from whatever is stored now, so any
// out-of-band edit to a hashed field is detectable. Entries written before the
// integrity feature carry no hash; Backfill adds one exactly once.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"custodian/internal/platform/metrics"
	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
	txcontext "custodian/pkg/platform/tx"
	"custodian/pkg/requestcontext"
)

// streamThreshold is the lowest severity mirrored to the Streamer.
const streamThreshold = SeverityWarning

type Ledger struct {
	store       Store
	signer      *Signer
	streamer    Streamer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	clock       func() time.Time
	tracer      trace.Tracer
	verifyLimit int
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source used for createdAt.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithStreamer(s Streamer) Option {
	return func(l *Ledger) { l.streamer = s }
}

// WithVerifyLimit sets the default batch size for VerifyBatch.
func WithVerifyLimit(limit int) Option {
	return func(l *Ledger) {
		if limit > 0 {
			l.verifyLimit = min(limit, MaxVerifyLimit)
		}
	}
}

func New(store Store, signer *Signer, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		signer:      signer,
		logger:      slog.Default(),
		clock:       time.Now,
		tracer:      otel.Tracer("custodian/ledger"),
		verifyLimit: DefaultVerifyLimit,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates, hashes and persists an event. There are no retries:
// callers that need best-effort semantics use TryAppend.
func (l *Ledger) Append(ctx context.Context, event Event) (*Entry, error) {
	action := Action(strings.TrimSpace(string(event.Action)))
	details := strings.TrimSpace(event.Details)
	if action == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "audit action is required")
	}
	if details == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "audit details are required")
	}
	severity := event.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	if !severity.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid audit severity: "+string(severity))
	}
	meta, err := EncodeMetadata(event.Metadata)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid audit metadata")
	}

	ip := event.IPAddress
	if ip == "" {
		ip = requestcontext.ClientIP(ctx)
	}
	ua := event.UserAgent
	if ua == "" {
		ua = requestcontext.UserAgent(ctx)
	}

	entry := &Entry{
		ID:             id.AuditEntryID(uuid.New()),
		Action:         action,
		ActorUserID:    event.ActorUserID,
		OrganizationID: event.OrganizationID,
		TargetUserID:   event.TargetUserID,
		Details:        details,
		Metadata:       meta,
		IPAddress:      optional(ip),
		UserAgent:      optional(ua),
		ResourceType:   optional(event.ResourceType),
		ResourceID:     optional(event.ResourceID),
		Severity:       severity,
		CreatedAt:      truncateToMillis(l.clock()),
	}
	hash, err := l.signer.Sign(entry)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute integrity hash")
	}
	entry.IntegrityHash = &hash

	if err := l.store.Insert(ctx, entry); err != nil {
		l.metrics.IncAuditAppendFailure()
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist audit entry")
	}
	l.metrics.IncAuditAppend(string(severity))

	if l.streamer != nil && severity.AtLeast(streamThreshold) {
		txcontext.AfterCommit(ctx, func(ctx context.Context) { l.mirror(ctx, entry) })
	}
	return entry, nil
}

// mirror publishes a persisted entry. Inside a transaction it only runs once
// the entry has committed, so consumers never see a rolled-back entry.
func (l *Ledger) mirror(ctx context.Context, entry *Entry) {
	if err := l.streamer.Publish(ctx, entry); err != nil {
		l.metrics.IncAuditStreamFailure()
		l.logger.WarnContext(ctx, "failed to mirror audit entry",
			"entry_id", entry.ID.String(),
			"action", string(entry.Action),
			"error", err,
		)
	}
}

// TryAppend is Append for callers whose own outcome must not depend on the
// audit write (activity logging, SSO telemetry). Failures are logged only.
func (l *Ledger) TryAppend(ctx context.Context, event Event) *Entry {
	entry, err := l.Append(ctx, event)
	if err != nil {
		l.logger.ErrorContext(ctx, "audit append failed",
			"action", string(event.Action),
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil
	}
	return entry
}

// Verify reports whether entry's stored hash matches its current fields.
// Entries without a hash return false: unverifiable, not tampered.
func (l *Ledger) Verify(entry *Entry) bool {
	return l.signer.Verify(entry)
}

// VerifyBatch checks up to filter.Limit entries and logs every mismatch as a
// critical integrity violation.
func (l *Ledger) VerifyBatch(ctx context.Context, filter VerifyFilter) (*VerificationReport, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.VerifyBatch")
	defer span.End()

	filter.Limit = l.normalizeLimit(filter.Limit)
	entries, err := l.store.ListForVerification(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit entries")
	}

	report := &VerificationReport{Total: len(entries), TamperedIDs: []id.AuditEntryID{}}
	var tampered []*Entry
	for _, entry := range entries {
		switch {
		case !entry.HasHash():
			report.MissingHash++
		case l.signer.Verify(entry):
			report.Verified++
		default:
			report.Failed++
			report.TamperedIDs = append(report.TamperedIDs, entry.ID)
			tampered = append(tampered, entry)
		}
	}
	report.TamperingDetected = report.Failed > 0
	l.metrics.AddVerifications(report.Verified, report.Failed, report.MissingHash)
	span.SetAttributes(
		attribute.Int("audit.total", report.Total),
		attribute.Int("audit.tampered", report.Failed),
	)

	for _, entry := range tampered {
		l.logger.ErrorContext(ctx, "audit integrity violation",
			"entry_id", entry.ID.String(),
			"action", string(entry.Action),
		)
		l.TryAppend(ctx, Event{
			Action:         ActionAuditIntegrityViolation,
			OrganizationID: entry.OrganizationID,
			Details:        fmt.Sprintf("Integrity hash mismatch on audit entry %s (%s)", entry.ID, entry.Action),
			Metadata: IntegrityViolation{
				EntryID:        entry.ID.String(),
				EntryAction:    string(entry.Action),
				EntryCreatedAt: entry.CreatedAt,
			},
			ResourceType: "audit_entry",
			ResourceID:   entry.ID.String(),
			Severity:     SeverityCritical,
		})
	}
	return report, nil
}

// GenerateComplianceReport verifies the window and classifies it as FAIL
// (tampering), PARTIAL (hashless entries only) or PASS.
func (l *Ledger) GenerateComplianceReport(ctx context.Context, orgID *id.OrganizationID, start, end time.Time) (*ComplianceReport, error) {
	if end.Before(start) {
		return nil, dErrors.New(dErrors.CodeBadRequest, "end date must not be before start date")
	}
	report, err := l.VerifyBatch(ctx, VerifyFilter{
		OrganizationID: orgID,
		StartDate:      &start,
		EndDate:        &end,
		Limit:          MaxVerifyLimit,
	})
	if err != nil {
		return nil, err
	}

	status := CompliancePass
	switch {
	case report.TamperingDetected:
		status = ComplianceFail
	case report.MissingHash > 0:
		status = CompliancePartial
	}

	return &ComplianceReport{
		Status:         status,
		Summary:        summarize(status, report),
		Report:         report,
		OrganizationID: orgID,
		StartDate:      start,
		EndDate:        end,
		GeneratedAt:    l.clock().UTC(),
	}, nil
}

func summarize(status ComplianceStatus, r *VerificationReport) string {
	switch status {
	case ComplianceFail:
		return fmt.Sprintf("Tampering detected: %d of %d entries failed verification", r.Failed, r.Total)
	case CompliancePartial:
		return fmt.Sprintf("%d of %d entries verified; %d entries predate integrity hashing", r.Verified, r.Total, r.MissingHash)
	default:
		if r.Total == 0 {
			return "No audit entries in the selected period"
		}
		return fmt.Sprintf("All %d entries verified", r.Total)
	}
}

// Backfill hashes entries that predate the integrity feature. Each batch is
// committed on its own, so an interrupted run loses at most the batch in
// flight and a re-run only sees rows that are still hashless.
func (l *Ledger) Backfill(ctx context.Context, batchSize int, dryRun bool) (*BackfillResult, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Backfill")
	defer span.End()

	if batchSize <= 0 {
		batchSize = DefaultBackfillBatch
	}
	batchSize = min(batchSize, MaxBackfillBatch)

	result := &BackfillResult{DryRun: dryRun}
	var cursor *Cursor
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := l.store.ListMissingHash(ctx, cursor, batchSize)
		if err != nil {
			return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load hashless entries")
		}
		if len(batch) == 0 {
			break
		}

		updates := make([]HashUpdate, 0, len(batch))
		for _, entry := range batch {
			hash, err := l.signer.Sign(entry)
			if err != nil {
				return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute integrity hash")
			}
			updates = append(updates, HashUpdate{ID: entry.ID, Hash: hash})
		}
		result.Processed += len(batch)
		result.Batches++

		if !dryRun {
			n, err := l.store.SetIntegrityHashes(ctx, updates)
			if err != nil {
				return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist integrity hashes")
			}
			result.Updated += n
			l.metrics.AddBackfillUpdated(n)
		}

		last := batch[len(batch)-1]
		cursor = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		l.logger.InfoContext(ctx, "backfill batch processed",
			"batch", result.Batches,
			"size", len(batch),
			"dry_run", dryRun,
		)
		if len(batch) < batchSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("audit.backfill.updated", result.Updated))
	return result, nil
}

// Query returns one page of the admin audit view.
func (l *Ledger) Query(ctx context.Context, q Query) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	q.PageSize = AdminPageSize
	if q.Severity != "" && !q.Severity.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "invalid severity filter")
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, dErrors.New(dErrors.CodeBadRequest, "date range is inverted")
	}
	q.Search = strings.TrimSpace(q.Search)

	entries, total, err := l.store.List(ctx, q)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query audit entries")
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return &Page{
		Entries:    entries,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}, nil
}

func (l *Ledger) Statistics(ctx context.Context, filter StatsFilter) (*Stats, error) {
	stats, err := l.store.Statistics(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute audit statistics")
	}
	return stats, nil
}

func (l *Ledger) normalizeLimit(limit int) int {
	if limit <= 0 {
		return l.verifyLimit
	}
	return min(limit, MaxVerifyLimit)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
