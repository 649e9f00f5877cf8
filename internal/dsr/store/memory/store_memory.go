package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"custodian/internal/dsr/models"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
)

// InMemoryStore is the request store for tests and single-process dev runs.
// The one-active-request rule is checked under the store lock, which gives the
// same guarantee as the partial unique index in Postgres.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[id.RequestID]*models.Request
	seq      map[id.RequestID]int
	next     int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests: make(map[id.RequestID]*models.Request),
		seq:      make(map[id.RequestID]int),
	}
}

func (s *InMemoryStore) Create(_ context.Context, req *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("request %s: %w", req.ID, sentinel.ErrConflict)
	}
	if req.IsActive() && s.activeLocked(req.UserID, req.Type, req.ID) != nil {
		return fmt.Errorf("active %s request for user %s: %w", req.Type, req.UserID, sentinel.ErrConflict)
	}
	s.requests[req.ID] = clone(req)
	s.seq[req.ID] = s.next
	s.next++
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, requestID id.RequestID) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(req), nil
}

func (s *InMemoryStore) FindActive(_ context.Context, userID id.UserID, typ models.Type) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if req := s.activeLocked(userID, typ, id.RequestID{}); req != nil {
		return clone(req), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) FindLatest(_ context.Context, userID id.UserID, typ models.Type) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Request
	for _, req := range s.requests {
		if req.UserID != userID || req.Type != typ {
			continue
		}
		if latest == nil || s.newer(req, latest) {
			latest = req
		}
	}
	if latest == nil {
		return nil, sentinel.ErrNotFound
	}
	return clone(latest), nil
}

func (s *InMemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*models.Request
	for _, req := range s.requests {
		if req.IsDue(now) {
			due = append(due, req)
		}
	}
	slices.SortFunc(due, func(a, b *models.Request) int {
		return a.ScheduledFor.Compare(*b.ScheduledFor)
	})
	return s.limitAndClone(due, limit), nil
}

func (s *InMemoryStore) ListStuck(_ context.Context, processedBefore time.Time, limit int) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stuck []*models.Request
	for _, req := range s.requests {
		if req.Type == models.TypeErasure && req.Status == models.StatusProcessing &&
			req.ProcessedAt != nil && !req.ProcessedAt.After(processedBefore) {
			stuck = append(stuck, req)
		}
	}
	slices.SortFunc(stuck, func(a, b *models.Request) int {
		return a.ProcessedAt.Compare(*b.ProcessedAt)
	})
	return s.limitAndClone(stuck, limit), nil
}

func (s *InMemoryStore) List(_ context.Context, f models.RequestFilter) ([]*models.Request, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*models.Request
	for _, req := range s.requests {
		if f.UserID != nil && req.UserID != *f.UserID {
			continue
		}
		if f.Type != "" && req.Type != f.Type {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		matched = append(matched, req)
	}
	slices.SortFunc(matched, func(a, b *models.Request) int {
		if s.newer(a, b) {
			return -1
		}
		return 1
	})

	total := len(matched)
	start := (f.Page - 1) * f.PageSize
	if start >= total {
		return []*models.Request{}, total, nil
	}
	end := min(start+f.PageSize, total)
	return s.limitAndClone(matched[start:end], 0), total, nil
}

func (s *InMemoryStore) Update(_ context.Context, req *models.Request, from models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[req.ID]
	if !ok {
		return fmt.Errorf("request %s: %w", req.ID, sentinel.ErrNotFound)
	}
	if current.Status != from {
		return fmt.Errorf("request %s is %s, expected %s: %w", req.ID, current.Status, from, sentinel.ErrInvalidState)
	}
	if req.IsActive() && s.activeLocked(req.UserID, req.Type, req.ID) != nil {
		return fmt.Errorf("active %s request for user %s: %w", req.Type, req.UserID, sentinel.ErrConflict)
	}
	s.requests[req.ID] = clone(req)
	return nil
}

// activeLocked returns the active request of typ for userID other than except.
func (s *InMemoryStore) activeLocked(userID id.UserID, typ models.Type, except id.RequestID) *models.Request {
	for rid, req := range s.requests {
		if rid != except && req.UserID == userID && req.Type == typ && req.IsActive() {
			return req
		}
	}
	return nil
}

func (s *InMemoryStore) newer(a, b *models.Request) bool {
	if c := a.RequestedAt.Compare(b.RequestedAt); c != 0 {
		return c > 0
	}
	return s.seq[a.ID] > s.seq[b.ID]
}

func (s *InMemoryStore) limitAndClone(reqs []*models.Request, limit int) []*models.Request {
	if limit > 0 && len(reqs) > limit {
		reqs = reqs[:limit]
	}
	out := make([]*models.Request, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, clone(r))
	}
	return out
}

func clone(r *models.Request) *models.Request {
	c := *r
	c.ProcessedAt = clonePtr(r.ProcessedAt)
	c.ScheduledFor = clonePtr(r.ScheduledFor)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.ExecutedAt = clonePtr(r.ExecutedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	c.FailureReason = clonePtr(r.FailureReason)
	c.IPAddress = clonePtr(r.IPAddress)
	c.UserAgent = clonePtr(r.UserAgent)
	c.Metadata.InitiatedBy = clonePtr(r.Metadata.InitiatedBy)
	c.Metadata.ExportStatistics = maps.Clone(r.Metadata.ExportStatistics)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
