package models

import (
	"time"

	id "custodian/pkg/domain"
)

// ExportSchemaVersion is bumped whenever the payload shape changes in a way
// consumers can observe.
const ExportSchemaVersion = "1.0"

// UserDataExport is the snapshot a DataGatherer returns for one user.
// Redactions lists field paths deliberately left out of the export.
type UserDataExport struct {
	Profile      ExportProfile      `json:"profile"`
	Memberships  []ExportMembership `json:"memberships"`
	Sessions     []ExportSession    `json:"sessions"`
	APITokens    []ExportAPIToken   `json:"api_tokens"`
	AuditEntries []ExportAuditEntry `json:"audit_entries"`
	Redactions   []string           `json:"redactions"`
	Statistics   map[string]int     `json:"statistics"`
}

type ExportProfile struct {
	UserID      id.UserID  `json:"user_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type ExportMembership struct {
	OrganizationID   id.OrganizationID `json:"organization_id"`
	OrganizationName string            `json:"organization_name"`
	Role             string            `json:"role"`
	JoinedAt         time.Time         `json:"joined_at"`
}

type ExportSession struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Device     string    `json:"device,omitempty"`
}

type ExportAPIToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type ExportAuditEntry struct {
	ID        id.AuditEntryID `json:"id"`
	Action    string          `json:"action"`
	Details   string          `json:"details"`
	Severity  string          `json:"severity"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExportPayload is the versioned document handed to the user.
type ExportPayload struct {
	SchemaVersion string          `json:"schema_version"`
	RequestID     id.RequestID    `json:"request_id"`
	UserID        id.UserID       `json:"user_id"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Data          *UserDataExport `json:"data"`
	Redactions    []string        `json:"redactions"`
	Statistics    map[string]int  `json:"statistics"`
	ArchiveKey    string          `json:"archive_key,omitempty"`
}
