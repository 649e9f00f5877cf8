package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is the typed payload attached to an entry. Each variant has its
// own shape; Attributes is the fallback for open-ended integration data.
//
// Serialized form: {"kind":"<kind>","data":{...}}
type Metadata interface {
	Kind() string
}

type ExportRequested struct {
	RequestID string `json:"request_id"`
}

type ExportCompleted struct {
	RequestID     string         `json:"request_id"`
	SchemaVersion string         `json:"schema_version"`
	Statistics    map[string]int `json:"statistics,omitempty"`
	ArchiveKey    string         `json:"archive_key,omitempty"`
}

type ExportFailed struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type ErasureRequested struct {
	RequestID      string    `json:"request_id"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	AdminInitiated bool      `json:"admin_initiated,omitempty"`
}

type ErasureCancelled struct {
	RequestID    string    `json:"request_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// ErasureCompleted keeps the subject's user ID because the user row, and
// with it any foreign key, is gone by the time the entry is written.
type ErasureCompleted struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	ExecutedAt time.Time `json:"executed_at"`
}

type ErasureFailed struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
}

type ErasureRecovered struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Attempt    int       `json:"attempt"`
	StuckSince time.Time `json:"stuck_since"`
}

type SessionsRevoked struct {
	RequestID     string `json:"request_id,omitempty"`
	Sessions      int    `json:"sessions"`
	RefreshTokens int    `json:"refresh_tokens"`
	Error         string `json:"error,omitempty"`
}

type IntegrityViolation struct {
	EntryID        string    `json:"entry_id"`
	EntryAction    string    `json:"entry_action"`
	EntryCreatedAt time.Time `json:"entry_created_at"`
}

type LoginFailed struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

type Attributes map[string]string

func (ExportRequested) Kind() string    { return "export_requested" }
func (ExportCompleted) Kind() string    { return "export_completed" }
func (ExportFailed) Kind() string       { return "export_failed" }
func (ErasureRequested) Kind() string   { return "erasure_requested" }
func (ErasureCancelled) Kind() string   { return "erasure_cancelled" }
func (ErasureCompleted) Kind() string   { return "erasure_completed" }
func (ErasureFailed) Kind() string      { return "erasure_failed" }
func (ErasureRecovered) Kind() string   { return "erasure_recovered" }
func (SessionsRevoked) Kind() string    { return "sessions_revoked" }
func (IntegrityViolation) Kind() string { return "integrity_violation" }
func (LoginFailed) Kind() string        { return "login_failed" }
func (Attributes) Kind() string         { return "attributes" }

var metadataFactories = map[string]func() Metadata{
	"export_requested":    func() Metadata { return &ExportRequested{} },
	"export_completed":    func() Metadata { return &ExportCompleted{} },
	"export_failed":       func() Metadata { return &ExportFailed{} },
	"erasure_requested":   func() Metadata { return &ErasureRequested{} },
	"erasure_cancelled":   func() Metadata { return &ErasureCancelled{} },
	"erasure_completed":   func() Metadata { return &ErasureCompleted{} },
	"erasure_failed":      func() Metadata { return &ErasureFailed{} },
	"erasure_recovered":   func() Metadata { return &ErasureRecovered{} },
	"sessions_revoked":    func() Metadata { return &SessionsRevoked{} },
	"integrity_violation": func() Metadata { return &IntegrityViolation{} },
	"login_failed":        func() Metadata { return &LoginFailed{} },
	"attributes":          func() Metadata { return &Attributes{} },
}

type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata serializes m into its persisted form. A nil m encodes to nil.
func EncodeMetadata(m Metadata) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s metadata: %w", m.Kind(), err)
	}
	out, err := json.Marshal(metadataEnvelope{Kind: m.Kind(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata envelope: %w", err)
	}
	return out, nil
}

// DecodeMetadata returns the typed variant of the entry's metadata, or nil
// when the entry has none. Unknown kinds come back as Attributes when the
// payload is a flat string map.
func (e *Entry) DecodeMetadata() (Metadata, error) {
	if len(e.Metadata) == 0 {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(e.Metadata, &env); err != nil {
		return nil, fmt.Errorf("unmarshal metadata envelope: %w", err)
	}
	factory, ok := metadataFactories[env.Kind]
	if !ok {
		attrs := Attributes{}
		if err := json.Unmarshal(env.Data, &attrs); err != nil {
			return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
		}
		return &attrs, nil
	}
	m := factory()
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s metadata: %w", env.Kind, err)
	}
	return m, nil
}
