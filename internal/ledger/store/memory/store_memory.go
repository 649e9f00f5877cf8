package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"custodian/internal/ledger"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
)

// InMemoryStore keeps audit entries in insertion order for tests and dev.
// Entries are copied on the way in and out so callers cannot mutate stored rows.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []*ledger.Entry
	index   map[id.AuditEntryID]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{index: make(map[id.AuditEntryID]int)}
}

func (s *InMemoryStore) Insert(_ context.Context, entry *ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[entry.ID]; exists {
		return fmt.Errorf("audit entry %s: %w", entry.ID, sentinel.ErrConflict)
	}
	s.index[entry.ID] = len(s.entries)
	s.entries = append(s.entries, clone(entry))
	return nil
}

// Tamper applies fn to a stored entry, simulating an out-of-band edit.
func (s *InMemoryStore) Tamper(entryID id.AuditEntryID, fn func(*ledger.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[entryID]
	if !ok {
		return sentinel.ErrNotFound
	}
	fn(s.entries[i])
	return nil
}

// All returns every entry in insertion order.
func (s *InMemoryStore) All() []*ledger.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ledger.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, clone(e))
	}
	return out
}

func (s *InMemoryStore) List(_ context.Context, q ledger.Query) ([]*ledger.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ledger.Entry
	for _, e := range s.entries {
		if matchesQuery(e, q) {
			matched = append(matched, e)
		}
	}
	sortNewestFirst(matched)

	total := len(matched)
	start := (q.Page - 1) * q.PageSize
	if start >= total {
		return []*ledger.Entry{}, total, nil
	}
	end := min(start+q.PageSize, total)
	return cloneAll(matched[start:end]), total, nil
}

func (s *InMemoryStore) ListForVerification(_ context.Context, f ledger.VerifyFilter) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ledger.Entry
	for _, e := range s.entries {
		if f.OrganizationID != nil && (e.OrganizationID == nil || *e.OrganizationID != *f.OrganizationID) {
			continue
		}
		if f.StartDate != nil && e.CreatedAt.Before(*f.StartDate) {
			continue
		}
		if f.EndDate != nil && e.CreatedAt.After(*f.EndDate) {
			continue
		}
		matched = append(matched, e)
	}
	sortNewestFirst(matched)
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return cloneAll(matched), nil
}

func (s *InMemoryStore) ListMissingHash(_ context.Context, after *ledger.Cursor, limit int) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ledger.Entry
	for _, e := range s.entries {
		if e.HasHash() {
			continue
		}
		if after != nil && !afterCursor(e, after) {
			continue
		}
		matched = append(matched, e)
	}
	slices.SortFunc(matched, compareKeyset)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return cloneAll(matched), nil
}

func (s *InMemoryStore) SetIntegrityHashes(_ context.Context, updates []ledger.HashUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if _, ok := s.index[u.ID]; !ok {
			return 0, fmt.Errorf("audit entry %s: %w", u.ID, sentinel.ErrNotFound)
		}
	}
	updated := 0
	for _, u := range updates {
		e := s.entries[s.index[u.ID]]
		if e.HasHash() {
			continue
		}
		h := u.Hash
		e.IntegrityHash = &h
		updated++
	}
	return updated, nil
}

func (s *InMemoryStore) Statistics(_ context.Context, f ledger.StatsFilter) (*ledger.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &ledger.Stats{
		BySeverity: make(map[ledger.Severity]int),
		ByAction:   make(map[ledger.Action]int),
	}
	for _, e := range s.entries {
		if f.OrganizationID != nil && (e.OrganizationID == nil || *e.OrganizationID != *f.OrganizationID) {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		stats.Total++
		stats.BySeverity[e.Severity]++
		stats.ByAction[e.Action]++
		if !e.HasHash() {
			stats.MissingHash++
		}
		t := e.CreatedAt
		if stats.Oldest == nil || t.Before(*stats.Oldest) {
			stats.Oldest = &t
		}
		if stats.Newest == nil || t.After(*stats.Newest) {
			stats.Newest = &t
		}
	}
	return stats, nil
}

func matchesQuery(e *ledger.Entry, q ledger.Query) bool {
	if q.OrganizationID != nil && (e.OrganizationID == nil || *e.OrganizationID != *q.OrganizationID) {
		return false
	}
	if q.UserID != nil {
		actor := e.ActorUserID != nil && *e.ActorUserID == *q.UserID
		target := e.TargetUserID != nil && *e.TargetUserID == *q.UserID
		if !actor && !target {
			return false
		}
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(e.Details), strings.ToLower(q.Search)) {
		return false
	}
	if q.From != nil && e.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && e.CreatedAt.After(*q.To) {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	return true
}

func sortNewestFirst(entries []*ledger.Entry) {
	slices.SortStableFunc(entries, func(a, b *ledger.Entry) int {
		return -compareKeyset(a, b)
	})
}

func compareKeyset(a, b *ledger.Entry) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

func afterCursor(e *ledger.Entry, c *ledger.Cursor) bool {
	if cmp := e.CreatedAt.Compare(c.CreatedAt); cmp != 0 {
		return cmp > 0
	}
	return e.ID.String() > c.ID.String()
}

func clone(e *ledger.Entry) *ledger.Entry {
	c := *e
	c.Metadata = bytes.Clone(e.Metadata)
	c.ActorUserID = clonePtr(e.ActorUserID)
	c.OrganizationID = clonePtr(e.OrganizationID)
	c.TargetUserID = clonePtr(e.TargetUserID)
	c.IPAddress = clonePtr(e.IPAddress)
	c.UserAgent = clonePtr(e.UserAgent)
	c.ResourceType = clonePtr(e.ResourceType)
	c.ResourceID = clonePtr(e.ResourceID)
	c.IntegrityHash = clonePtr(e.IntegrityHash)
	return &c
}

func cloneAll(entries []*ledger.Entry) []*ledger.Entry {
	out := make([]*ledger.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, clone(e))
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
