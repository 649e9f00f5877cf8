package ledger

import (
	"encoding/json"
	"time"

	id "custodian/pkg/domain"
)

// Severity ranks audit entries for routing and alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	return sev, sev.IsValid()
}

// Action is an open-ended event tag. The constants below are the ones this
// engine writes; integrations may append their own.
type Action string

const (
	ActionDataExportRequested     Action = "data_export_requested"
	ActionDataExportCompleted     Action = "data_export_completed"
	ActionDataExportFailed        Action = "data_export_failed"
	ActionDataDeletionRequested   Action = "data_deletion_requested"
	ActionDataDeletionCancelled   Action = "data_deletion_cancelled"
	ActionDataDeletionCompleted   Action = "data_deletion_completed"
	ActionDataDeletionFailed      Action = "data_deletion_failed"
	ActionDataDeletionRecovered   Action = "data_deletion_recovered"
	ActionSessionsRevoked         Action = "sessions_revoked"
	ActionAuditIntegrityViolation Action = "audit_integrity_violation"
	ActionSSOLoginFailed          Action = "sso_login_failed"
)

// Entry is a persisted audit record. It is immutable once written; the only
// sanctioned mutation is setting a missing IntegrityHash during backfill.
//
// Metadata holds the exact serialized form that was persisted and hashed.
// Use DecodeMetadata to get the typed variant back.
type Entry struct {
	ID             id.AuditEntryID    `json:"id"`
	Action         Action             `json:"action"`
	ActorUserID    *id.UserID         `json:"actor_user_id,omitempty"`
	OrganizationID *id.OrganizationID `json:"organization_id,omitempty"`
	TargetUserID   *id.UserID         `json:"target_user_id,omitempty"`
	Details        string             `json:"details"`
	Metadata       json.RawMessage    `json:"metadata,omitempty"`
	IPAddress      *string            `json:"ip_address,omitempty"`
	UserAgent      *string            `json:"user_agent,omitempty"`
	ResourceType   *string            `json:"resource_type,omitempty"`
	ResourceID     *string            `json:"resource_id,omitempty"`
	Severity       Severity           `json:"severity"`
	CreatedAt      time.Time          `json:"created_at"`
	IntegrityHash  *string            `json:"integrity_hash,omitempty"`
}

// HasHash reports whether the entry predates the integrity feature.
func (e *Entry) HasHash() bool {
	return e.IntegrityHash != nil && *e.IntegrityHash != ""
}

// Event is the caller-supplied part of an entry. Empty IPAddress and
// UserAgent are filled from the request context when available.
type Event struct {
	Action         Action
	ActorUserID    *id.UserID
	OrganizationID *id.OrganizationID
	TargetUserID   *id.UserID
	Details        string
	Metadata       Metadata
	IPAddress      string
	UserAgent      string
	ResourceType   string
	ResourceID     string
	Severity       Severity
}

// AdminPageSize is the fixed page size of the admin audit view.
const AdminPageSize = 50

// Query filters the admin audit view. UserID matches the actor or the target.
type Query struct {
	OrganizationID *id.OrganizationID
	UserID         *id.UserID
	Search         string
	From           *time.Time
	To             *time.Time
	Severity       Severity
	Action         Action
	Page           int
	PageSize       int
}

type Page struct {
	Entries    []*Entry `json:"entries"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
}

type StatsFilter struct {
	OrganizationID *id.OrganizationID
	From           *time.Time
	To             *time.Time
}

type Stats struct {
	Total       int              `json:"total"`
	BySeverity  map[Severity]int `json:"by_severity"`
	ByAction    map[Action]int   `json:"by_action"`
	MissingHash int              `json:"missing_hash"`
	Oldest      *time.Time       `json:"oldest,omitempty"`
	Newest      *time.Time       `json:"newest,omitempty"`
}

const (
	DefaultVerifyLimit = 1000
	MaxVerifyLimit     = 10000
)

type VerifyFilter struct {
	OrganizationID *id.OrganizationID
	StartDate      *time.Time
	EndDate        *time.Time
	Limit          int
}

type VerificationReport struct {
	Total             int               `json:"total"`
	Verified          int               `json:"verified"`
	Failed            int               `json:"failed"`
	MissingHash       int               `json:"missing_hash"`
	TamperedIDs       []id.AuditEntryID `json:"tampered_ids"`
	TamperingDetected bool              `json:"tampering_detected"`
}

// ComplianceStatus is the three-way classification compliance tooling reads.
type ComplianceStatus string

const (
	CompliancePass    ComplianceStatus = "PASS"
	CompliancePartial ComplianceStatus = "PARTIAL"
	ComplianceFail    ComplianceStatus = "FAIL"
)

type ComplianceReport struct {
	Status         ComplianceStatus    `json:"status"`
	Summary        string              `json:"summary"`
	Report         *VerificationReport `json:"report"`
	OrganizationID *id.OrganizationID  `json:"organization_id,omitempty"`
	StartDate      time.Time           `json:"start_date"`
	EndDate        time.Time           `json:"end_date"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// Cursor is a keyset position in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        id.AuditEntryID
}

type HashUpdate struct {
	ID   id.AuditEntryID
	Hash string
}

const (
	DefaultBackfillBatch = 500
	MaxBackfillBatch     = 5000
)

type BackfillResult struct {
	Processed int  `json:"processed"`
	Updated   int  `json:"updated"`
	Batches   int  `json:"batches"`
	DryRun    bool `json:"dry_run"`
}
