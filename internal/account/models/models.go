package models

import (
	"time"

	id "custodian/pkg/domain"
	dErrors "custodian/pkg/domain-errors"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleMember
}

// User is an account. PasswordHash is never exported to the user.
type User struct {
	ID           id.UserID
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

func NewUser(userID id.UserID, email, displayName string, now time.Time) (*User, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "user id is required")
	}
	if email == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "email is required")
	}
	return &User{
		ID:          userID,
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

type Organization struct {
	ID        id.OrganizationID
	Name      string
	CreatedAt time.Time
}

// Membership is a user's role in one organization, with the organization
// name denormalized for display.
type Membership struct {
	OrganizationID   id.OrganizationID
	OrganizationName string
	UserID           id.UserID
	Role             Role
	JoinedAt         time.Time
}

// AdminMembership is an organization the user administers together with the
// other admins it has.
type AdminMembership struct {
	OrganizationID   id.OrganizationID
	OrganizationName string
	OtherAdmins      int
	OtherAdminIDs    []id.UserID
}

// IsSoleAdmin reports whether removing the user would leave the organization
// without an admin.
func (m AdminMembership) IsSoleAdmin() bool {
	return m.OtherAdmins == 0
}

// APIToken is a personal access token. TokenHash and PublicKey are secrets
// that stay out of exports.
type APIToken struct {
	ID         id.APITokenID
	UserID     id.UserID
	Name       string
	TokenHash  string
	PublicKey  string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
