package service

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"custodian/internal/dsr/models"
	"custodian/internal/ledger"
	dErrors "custodian/pkg/domain-errors"
	"custodian/pkg/platform/sentinel"
)

const reasonRecoveryExhausted = "exceeded recovery attempts"

type sweepOutcome int

const (
	outcomeProcessed sweepOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// ProcessDueErasureRequests executes every erasure whose grace period has
// ended. It first re-queues requests stuck in processing, then works through
// the due set with a bounded pool. Each request has its own error boundary:
// a failure marks that request failed and never stops its siblings.
//
// Overlapping sweeps are safe. The scheduled to processing transition is a
// conditional update, so only one runner claims a request; the other counts
// it as skipped.
func (m *Manager) ProcessDueErasureRequests(ctx context.Context) (*models.SweepResult, error) {
	ctx, span := m.tracer.Start(ctx, "dsr.ProcessDueErasureRequests")
	defer span.End()
	started := time.Now()

	now := m.now(ctx)
	result := &models.SweepResult{Errors: []models.SweepError{}}

	if err := m.recoverStuck(ctx, now, result); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to recover stuck erasure requests")
	}

	due, err := m.store.ListDue(ctx, now, m.sweepLimit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list due erasure requests")
	}
	result.Due = len(due)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.sweepConcurrency)
	for _, req := range due {
		g.Go(func() error {
			outcome, err := m.executeErasure(ctx, req, now)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeProcessed:
				result.Processed++
			case outcomeSkipped:
				result.Skipped++
			case outcomeFailed:
				result.Failed++
				result.Errors = append(result.Errors, models.SweepError{
					RequestID: req.ID,
					UserID:    req.UserID,
					Error:     err.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(result.Errors, func(a, b models.SweepError) int {
		return cmp.Compare(a.RequestID.String(), b.RequestID.String())
	})

	m.metrics.AddSweepOutcome("processed", result.Processed)
	m.metrics.AddSweepOutcome("failed", result.Failed)
	m.metrics.AddSweepOutcome("skipped", result.Skipped)
	m.metrics.AddSweepOutcome("recovered", result.Recovered)
	m.metrics.ObserveSweepDuration(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.Int("dsr.sweep.due", result.Due),
		attribute.Int("dsr.sweep.processed", result.Processed),
		attribute.Int("dsr.sweep.failed", result.Failed),
	)

	m.logger.InfoContext(ctx, "erasure sweep finished",
		"due", result.Due,
		"processed", result.Processed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"recovered", result.Recovered,
	)
	return result, nil
}

func (m *Manager) executeErasure(ctx context.Context, req *models.Request, dueAt time.Time) (sweepOutcome, error) {
	if err := req.CanStartProcessing(dueAt); err != nil {
		return outcomeSkipped, nil
	}
	from := req.Status
	req.ApplyStartProcessing(m.now(ctx))
	if err := m.store.Update(ctx, req, from); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return outcomeSkipped, nil
		}
		m.logger.ErrorContext(ctx, "failed to claim erasure request",
			"request_id", req.ID.String(),
			"error", err,
		)
		return outcomeFailed, err
	}

	if err := m.accounts.DeleteUserCascade(ctx, req.UserID); err != nil {
		m.logger.ErrorContext(ctx, "account deletion failed",
			"request_id", req.ID.String(),
			"user_id", req.UserID.String(),
			"error", err,
		)
		m.failErasure(ctx, req, err.Error())
		return outcomeFailed, err
	}

	req.ApplyCompletion(m.now(ctx))
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := m.store.Update(ctx, req, models.StatusProcessing); err != nil {
			return err
		}
		_, err := m.auditor.Append(ctx, ledger.Event{
			Action:  ledger.ActionDataDeletionCompleted,
			Details: "Account deleted after grace period",
			Metadata: ledger.ErasureCompleted{
				RequestID:  req.ID.String(),
				UserID:     req.UserID.String(),
				ExecutedAt: *req.ExecutedAt,
			},
			ResourceType: resourceType,
			ResourceID:   req.ID.String(),
			Severity:     ledger.SeverityWarning,
		})
		return err
	})
	if err != nil {
		// The account is gone but the request is still processing; the
		// watchdog re-queues it and the idempotent delete lets it finish.
		m.logger.ErrorContext(ctx, "failed to complete erasure request",
			"request_id", req.ID.String(),
			"error", err,
		)
		return outcomeFailed, err
	}
	return outcomeProcessed, nil
}

// recoverStuck handles erasures left in processing by a crashed sweep. They
// go back to scheduled, and are therefore due in this same sweep, until
// maxRecoveryAttempts is reached; after that they are failed.
func (m *Manager) recoverStuck(ctx context.Context, now time.Time, result *models.SweepResult) error {
	if m.stuckAfter <= 0 {
		return nil
	}
	stuck, err := m.store.ListStuck(ctx, now.Add(-m.stuckAfter), m.sweepLimit)
	if err != nil {
		return err
	}

	for _, req := range stuck {
		var stuckSince time.Time
		if req.ProcessedAt != nil {
			stuckSince = *req.ProcessedAt
		}

		if err := req.CanRecover(m.maxRecoveryAttempts); err != nil {
			m.logger.ErrorContext(ctx, "erasure request exhausted recovery attempts",
				"request_id", req.ID.String(),
				"attempts", req.Metadata.RecoveryAttempts,
			)
			if m.failErasure(ctx, req, reasonRecoveryExhausted) {
				result.Failed++
				result.Errors = append(result.Errors, models.SweepError{
					RequestID: req.ID,
					UserID:    req.UserID,
					Error:     reasonRecoveryExhausted,
				})
			}
			continue
		}

		req.ApplyRecovery()
		err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := m.store.Update(ctx, req, models.StatusProcessing); err != nil {
				return err
			}
			_, err := m.auditor.Append(ctx, ledger.Event{
				Action:  ledger.ActionDataDeletionRecovered,
				Details: "Stuck erasure request re-queued",
				Metadata: ledger.ErasureRecovered{
					RequestID:  req.ID.String(),
					UserID:     req.UserID.String(),
					Attempt:    req.Metadata.RecoveryAttempts,
					StuckSince: stuckSince,
				},
				ResourceType: resourceType,
				ResourceID:   req.ID.String(),
				Severity:     ledger.SeverityWarning,
			})
			return err
		})
		if err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				continue
			}
			return err
		}
		m.logger.WarnContext(ctx, "re-queued stuck erasure request",
			"request_id", req.ID.String(),
			"attempt", req.Metadata.RecoveryAttempts,
		)
		result.Recovered++
	}
	return nil
}

// failErasure moves a processing erasure to failed and reports whether the
// transition was recorded.
func (m *Manager) failErasure(ctx context.Context, req *models.Request, reason string) bool {
	if err := req.CanFail(); err != nil {
		return false
	}
	req.ApplyFailure(reason)
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := m.store.Update(ctx, req, models.StatusProcessing); err != nil {
			return err
		}
		_, err := m.auditor.Append(ctx, ledger.Event{
			Action:  ledger.ActionDataDeletionFailed,
			Details: "Account deletion failed",
			Metadata: ledger.ErasureFailed{
				RequestID: req.ID.String(),
				UserID:    req.UserID.String(),
				Reason:    reason,
			},
			ResourceType: resourceType,
			ResourceID:   req.ID.String(),
			Severity:     ledger.SeverityError,
		})
		return err
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record erasure failure",
			"request_id", req.ID.String(),
			"error", err,
		)
		return false
	}
	return true
}
