package models

import (
	"time"

	id "custodian/pkg/domain"
)

// Session is a signed-in browser or device.
type Session struct {
	ID         id.SessionID `json:"id"`
	UserID     id.UserID    `json:"user_id"`
	IPAddress  string       `json:"ip_address,omitempty"`
	UserAgent  string       `json:"user_agent,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	LastSeenAt time.Time    `json:"last_seen_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// RefreshToken is stored by hash; the raw token only ever exists client-side.
type RefreshToken struct {
	TokenHash string       `json:"token_hash"`
	SessionID id.SessionID `json:"session_id"`
	UserID    id.UserID    `json:"user_id"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}
