package ledger

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// hashTimeLayout is ISO-8601 UTC with millisecond precision. Entries are
// truncated to milliseconds at append so the stored value and the hashed
// value always agree.
const hashTimeLayout = "2006-01-02T15:04:05.000Z"

const integrityKeyInfo = "custodian audit integrity v1"

// canonicalEntry fixes the hash input. Field order is alphabetical by JSON key
// and must not change: other implementations reproduce the same bytes.
type canonicalEntry struct {
	Action         string  `json:"action"`
	CreatedAt      string  `json:"createdAt"`
	Details        string  `json:"details"`
	ID             string  `json:"id"`
	IPAddress      *string `json:"ipAddress"`
	Metadata       *string `json:"metadata"`
	OrganizationID *string `json:"organizationId"`
	ResourceID     *string `json:"resourceId"`
	ResourceType   *string `json:"resourceType"`
	Severity       string  `json:"severity"`
	TargetUserID   *string `json:"targetUserId"`
	UserAgent      *string `json:"userAgent"`
	UserID         *string `json:"userId"`
}

// Signer computes and checks entry integrity hashes (HMAC-SHA256, hex).
type Signer struct {
	key []byte
}

// NewSigner derives the HMAC key from secret with HKDF-SHA256.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("integrity secret is required")
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(integrityKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive integrity key: %w", err)
	}
	return &Signer{key: key}, nil
}

// CanonicalBytes returns the exact bytes fed to the HMAC for e.
func CanonicalBytes(e *Entry) ([]byte, error) {
	c := canonicalEntry{
		Action:       string(e.Action),
		CreatedAt:    e.CreatedAt.UTC().Format(hashTimeLayout),
		Details:      e.Details,
		ID:           e.ID.String(),
		IPAddress:    e.IPAddress,
		ResourceID:   e.ResourceID,
		ResourceType: e.ResourceType,
		Severity:     string(e.Severity),
		UserAgent:    e.UserAgent,
	}
	if len(e.Metadata) > 0 {
		m := string(e.Metadata)
		c.Metadata = &m
	}
	if e.OrganizationID != nil {
		s := e.OrganizationID.String()
		c.OrganizationID = &s
	}
	if e.TargetUserID != nil {
		s := e.TargetUserID.String()
		c.TargetUserID = &s
	}
	if e.ActorUserID != nil {
		s := e.ActorUserID.String()
		c.UserID = &s
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode canonical entry: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign returns the hex-encoded integrity hash for e.
func (s *Signer) Sign(e *Entry) (string, error) {
	payload, err := CanonicalBytes(e)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the hash from e's current fields and compares it in
// constant time. Entries without a hash are unverifiable and return false.
func (s *Signer) Verify(e *Entry) bool {
	if !e.HasHash() {
		return false
	}
	expected, err := s.Sign(e)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(*e.IntegrityHash))
}

func truncateToMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
