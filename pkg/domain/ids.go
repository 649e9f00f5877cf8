// Package domain holds the typed identifiers shared across bounded contexts.
//
// Each identifier wraps a UUID in its own named type so a request ID can never
// be passed where a user ID is expected. Parsing happens once, at trust
// boundaries (HTTP params, CLI flags), and always rejects the nil UUID.
package domain

import (
	"github.com/google/uuid"

	dErrors "custodian/pkg/domain-errors"
)

type (
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	RequestID      uuid.UUID
	AuditEntryID   uuid.UUID
	SessionID      uuid.UUID
	APITokenID     uuid.UUID
)

// maxIDLength bounds input before handing it to uuid.Parse.
const maxIDLength = 64

func parseUUID(kind, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > maxIDLength {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" must not be nil")
	}
	return u, nil
}

func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID("user ID", s)
	return UserID(u), err
}

func ParseOrganizationID(s string) (OrganizationID, error) {
	u, err := parseUUID("organization ID", s)
	return OrganizationID(u), err
}

func ParseRequestID(s string) (RequestID, error) {
	u, err := parseUUID("request ID", s)
	return RequestID(u), err
}

func ParseAuditEntryID(s string) (AuditEntryID, error) {
	u, err := parseUUID("audit entry ID", s)
	return AuditEntryID(u), err
}

func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID("session ID", s)
	return SessionID(u), err
}

func NewRequestID() RequestID       { return RequestID(uuid.New()) }
func NewAuditEntryID() AuditEntryID { return AuditEntryID(uuid.New()) }
func NewSessionID() SessionID       { return SessionID(uuid.New()) }

func (id UserID) String() string { return uuid.UUID(id).String() }
func (id UserID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id OrganizationID) String() string { return uuid.UUID(id).String() }
func (id OrganizationID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id RequestID) String() string { return uuid.UUID(id).String() }
func (id RequestID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id AuditEntryID) String() string { return uuid.UUID(id).String() }
func (id AuditEntryID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id SessionID) String() string { return uuid.UUID(id).String() }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id APITokenID) String() string { return uuid.UUID(id).String() }

// MarshalText lets typed IDs appear as plain UUID strings in JSON payloads.
func (id UserID) MarshalText() ([]byte, error)         { return []byte(id.String()), nil }
func (id OrganizationID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id RequestID) MarshalText() ([]byte, error)      { return []byte(id.String()), nil }
func (id AuditEntryID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id SessionID) MarshalText() ([]byte, error)      { return []byte(id.String()), nil }
func (id APITokenID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }

func (id *UserID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = UserID(u)
	return nil
}

func (id *OrganizationID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = OrganizationID(u)
	return nil
}

func (id *RequestID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = RequestID(u)
	return nil
}

func (id *AuditEntryID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = AuditEntryID(u)
	return nil
}

func (id *SessionID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = SessionID(u)
	return nil
}
