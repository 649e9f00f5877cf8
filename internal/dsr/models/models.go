package models

import (
	"time"

	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
)

type Type string

const (
	TypeExport  Type = "export"
	TypeErasure Type = "erasure"
)

func (t Type) IsValid() bool {
	return t == TypeExport || t == TypeErasure
}

type Status string

const (
	StatusRequested  Status = "requested"
	StatusProcessing Status = "processing"
	StatusScheduled  Status = "scheduled"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// ActiveStatuses are the statuses covered by the one-active-request-per-type
// constraint.
var ActiveStatuses = []Status{StatusRequested, StatusProcessing, StatusScheduled}

func (s Status) IsActive() bool {
	switch s {
	case StatusRequested, StatusProcessing, StatusScheduled:
		return true
	}
	return false
}

func (s Status) IsValid() bool {
	switch s {
	case StatusRequested, StatusProcessing, StatusScheduled, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusRequested:  {StatusProcessing, StatusScheduled},
	StatusScheduled:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusScheduled},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Metadata is the typed payload stored with a request.
type Metadata struct {
	AdminInitiated       bool           `json:"admin_initiated,omitempty"`
	InitiatedBy          *id.UserID     `json:"initiated_by,omitempty"`
	SchemaVersion        string         `json:"schema_version,omitempty"`
	ExportStatistics     map[string]int `json:"export_statistics,omitempty"`
	ArchiveKey           string         `json:"archive_key,omitempty"`
	SessionsRevoked      int            `json:"sessions_revoked,omitempty"`
	RefreshTokensRevoked int            `json:"refresh_tokens_revoked,omitempty"`
	RecoveryAttempts     int            `json:"recovery_attempts,omitempty"`
}

// Request is a data subject request.
//
// Invariants:
//   - at most one active request per (UserID, Type), enforced by the store
//   - an erasure request may only be cancelled while scheduled and before ScheduledFor
//   - FailureReason is set only in status failed
//   - requests are never deleted and carry no foreign key to the user
type Request struct {
	ID            id.RequestID `json:"id"`
	UserID        id.UserID    `json:"user_id"`
	Type          Type         `json:"type"`
	Status        Status       `json:"status"`
	RequestedAt   time.Time    `json:"requested_at"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	ScheduledFor  *time.Time   `json:"scheduled_for,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	ExecutedAt    *time.Time   `json:"executed_at,omitempty"`
	CancelledAt   *time.Time   `json:"cancelled_at,omitempty"`
	FailureReason *string      `json:"failure_reason,omitempty"`
	IPAddress     *string      `json:"ip_address,omitempty"`
	UserAgent     *string      `json:"user_agent,omitempty"`
	Metadata      Metadata     `json:"metadata"`
}

// NewExportRequest creates an export request. Exports have no grace period,
// so the request starts in processing.
func NewExportRequest(requestID id.RequestID, userID id.UserID, now time.Time) (*Request, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "user id is required")
	}
	return &Request{
		ID:          requestID,
		UserID:      userID,
		Type:        TypeExport,
		Status:      StatusProcessing,
		RequestedAt: now,
		ProcessedAt: &now,
	}, nil
}

// NewErasureRequest creates an erasure request scheduled after the grace period.
func NewErasureRequest(requestID id.RequestID, userID id.UserID, now time.Time, grace time.Duration) (*Request, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "user id is required")
	}
	if grace <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "grace period must be positive")
	}
	scheduledFor := now.Add(grace)
	return &Request{
		ID:           requestID,
		UserID:       userID,
		Type:         TypeErasure,
		Status:       StatusScheduled,
		RequestedAt:  now,
		ScheduledFor: &scheduledFor,
	}, nil
}

func (r *Request) IsActive() bool {
	return r.Status.IsActive()
}

// IsDue reports whether a scheduled erasure may be executed at now.
func (r *Request) IsDue(now time.Time) bool {
	return r.Type == TypeErasure && r.Status == StatusScheduled &&
		r.ScheduledFor != nil && !r.ScheduledFor.After(now)
}

// CanCancel checks the hard ordering boundary with the sweep: a request can
// only be cancelled while now is strictly before ScheduledFor.
func (r *Request) CanCancel(now time.Time) error {
	if r.Type != TypeErasure {
		return dErrors.New(dErrors.CodeInvalidState, "only erasure requests can be cancelled")
	}
	if r.Status != StatusScheduled {
		return dErrors.New(dErrors.CodeInvalidState, "request is not scheduled")
	}
	if r.ScheduledFor == nil || !now.Before(*r.ScheduledFor) {
		return dErrors.New(dErrors.CodeInvalidState, "grace period has ended")
	}
	return nil
}

// ApplyCancellation must only be called after CanCancel returns nil.
func (r *Request) ApplyCancellation(now time.Time) {
	r.Status = StatusCancelled
	r.CancelledAt = &now
}

func (r *Request) CanStartProcessing(now time.Time) error {
	if !r.Status.CanTransitionTo(StatusProcessing) {
		return dErrors.New(dErrors.CodeInvalidState, "request cannot start processing from "+string(r.Status))
	}
	if r.Type == TypeErasure && (r.ScheduledFor == nil || r.ScheduledFor.After(now)) {
		return dErrors.New(dErrors.CodeInvalidState, "erasure is not due yet")
	}
	return nil
}

func (r *Request) ApplyStartProcessing(now time.Time) {
	r.Status = StatusProcessing
	r.ProcessedAt = &now
}

func (r *Request) CanComplete() error {
	if !r.Status.CanTransitionTo(StatusCompleted) {
		return dErrors.New(dErrors.CodeInvalidState, "request is not processing")
	}
	return nil
}

// ApplyCompletion sets CompletedAt, and ExecutedAt for erasures.
func (r *Request) ApplyCompletion(now time.Time) {
	r.Status = StatusCompleted
	r.CompletedAt = &now
	if r.Type == TypeErasure {
		r.ExecutedAt = &now
	}
}

func (r *Request) CanFail() error {
	if !r.Status.CanTransitionTo(StatusFailed) {
		return dErrors.New(dErrors.CodeInvalidState, "request is not processing")
	}
	return nil
}

func (r *Request) ApplyFailure(reason string) {
	if reason == "" {
		reason = "unknown error"
	}
	r.Status = StatusFailed
	r.FailureReason = &reason
}

// CanRecover checks whether a stuck processing erasure may be re-queued.
func (r *Request) CanRecover(maxAttempts int) error {
	if r.Type != TypeErasure || r.Status != StatusProcessing {
		return dErrors.New(dErrors.CodeInvalidState, "only processing erasures can be recovered")
	}
	if r.Metadata.RecoveryAttempts >= maxAttempts {
		return dErrors.New(dErrors.CodeInvalidState, "exceeded recovery attempts")
	}
	return nil
}

// ApplyRecovery puts the request back on the schedule. ProcessedAt is cleared
// so the next attempt records its own start time.
func (r *Request) ApplyRecovery() {
	r.Status = StatusScheduled
	r.ProcessedAt = nil
	r.Metadata.RecoveryAttempts++
}

// Outcome classifies the result of a lifecycle operation. Conflict, blocked
// and not-found are expected outcomes, not errors.
type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeConflict       Outcome = "conflict"
	OutcomeBlocked        Outcome = "blocked"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeNotCancellable Outcome = "not_cancellable"
	OutcomeCancelled      Outcome = "cancelled"
)

// AdminOrganization is an organization where the user holds the admin role.
// OtherAdminIDs, when known, names the admins counted in OtherAdminCount.
type AdminOrganization struct {
	OrganizationID  id.OrganizationID `json:"organization_id"`
	Name            string            `json:"name"`
	OtherAdminCount int               `json:"other_admin_count"`
	OtherAdminIDs   []id.UserID       `json:"-"`
}

// Result carries enough detail for a UI to render the outcome without
// re-querying: the existing request on conflict, the blocking organizations
// when blocked.
type Result struct {
	Outcome               Outcome             `json:"outcome"`
	Request               *Request            `json:"request,omitempty"`
	BlockingOrganizations []AdminOrganization `json:"blocking_organizations,omitempty"`
	Message               string              `json:"message,omitempty"`
}

// SweepError attributes a failure to a single request.
type SweepError struct {
	RequestID id.RequestID `json:"request_id"`
	UserID    id.UserID    `json:"user_id"`
	Error     string       `json:"error"`
}

// SweepResult lets callers tell "nothing was due" from "everything failed".
type SweepResult struct {
	Due       int          `json:"due"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Recovered int          `json:"recovered"`
	Errors    []SweepError `json:"errors"`
}

// StatusView is what the settings UI renders.
type StatusView struct {
	Export  *Request `json:"export,omitempty"`
	Erasure *Request `json:"erasure,omitempty"`
}

type RequestFilter struct {
	UserID   *id.UserID
	Type     Type
	Status   Status
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type RequestPage struct {
	Requests   []*Request `json:"requests"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalPages int        `json:"total_pages"`
}
