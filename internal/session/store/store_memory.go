package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"custodian/internal/session/models"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
)

// InMemoryStore stores sessions and refresh tokens in memory for tests/dev.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*models.Session
	refresh  map[string]*models.RefreshToken
	now      func() time.Time
}

func New() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[id.SessionID]*models.Session),
		refresh:  make(map[string]*models.RefreshToken),
		now:      time.Now,
	}
}

func (s *InMemoryStore) Create(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sess
	s.sessions[sess.ID] = &c
	return nil
}

func (s *InMemoryStore) IsSessionActive(_ context.Context, sessionID id.SessionID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return ok && sess.ExpiresAt.After(s.now()), nil
}

func (s *InMemoryStore) FindByID(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	c := *sess
	return &c, nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID id.UserID) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.ExpiresAt.After(now) {
			c := *sess
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CreateRefreshToken(_ context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *token
	s.refresh[token.TokenHash] = &c
	return nil
}

func (s *InMemoryStore) RevokeAllSessions(_ context.Context, userID id.UserID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	revoked := 0
	for sessionID, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if sess.ExpiresAt.After(now) {
			revoked++
		}
		delete(s.sessions, sessionID)
	}
	return revoked, nil
}

func (s *InMemoryStore) RevokeAllRefreshTokens(_ context.Context, userID id.UserID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	revoked := 0
	for hash, token := range s.refresh {
		if token.UserID != userID {
			continue
		}
		if token.ExpiresAt.After(now) {
			revoked++
		}
		delete(s.refresh, hash)
	}
	return revoked, nil
}
