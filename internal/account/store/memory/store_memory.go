package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"custodian/internal/account/models"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
)

type memberKey struct {
	org  id.OrganizationID
	user id.UserID
}

// InMemoryStore keeps accounts for tests and single-process dev runs.
// Deleting a user removes its memberships and tokens, like the foreign key
// cascade in Postgres.
type InMemoryStore struct {
	mu      sync.RWMutex
	users   map[id.UserID]*models.User
	orgs    map[id.OrganizationID]*models.Organization
	members map[memberKey]*models.Membership
	tokens  map[id.APITokenID]*models.APIToken
}

func New() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[id.UserID]*models.User),
		orgs:    make(map[id.OrganizationID]*models.Organization),
		members: make(map[memberKey]*models.Membership),
		tokens:  make(map[id.APITokenID]*models.APIToken),
	}
}

func (s *InMemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, sentinel.ErrConflict)
	}
	for _, u := range s.users {
		if u.Email == user.Email {
			return fmt.Errorf("email already registered: %w", sentinel.ErrConflict)
		}
	}
	u := *user
	s.users[user.ID] = &u
	return nil
}

func (s *InMemoryStore) FindUser(_ context.Context, userID id.UserID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	c := *u
	return &c, nil
}

func (s *InMemoryStore) CreateOrganization(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return fmt.Errorf("organization %s: %w", org.ID, sentinel.ErrConflict)
	}
	o := *org
	s.orgs[org.ID] = &o
	return nil
}

func (s *InMemoryStore) AddMember(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[m.UserID]; !ok {
		return fmt.Errorf("user %s: %w", m.UserID, sentinel.ErrNotFound)
	}
	org, ok := s.orgs[m.OrganizationID]
	if !ok {
		return fmt.Errorf("organization %s: %w", m.OrganizationID, sentinel.ErrNotFound)
	}
	c := *m
	c.OrganizationName = org.Name
	s.members[memberKey{m.OrganizationID, m.UserID}] = &c
	return nil
}

func (s *InMemoryStore) ListMemberships(_ context.Context, userID id.UserID) ([]*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Membership
	for key, m := range s.members {
		if key.user == userID {
			c := *m
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.Membership) int {
		return cmp.Compare(a.OrganizationName, b.OrganizationName)
	})
	return out, nil
}

func (s *InMemoryStore) ListAdminMemberships(_ context.Context, userID id.UserID) ([]models.AdminMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AdminMembership
	for key, m := range s.members {
		if key.user != userID || m.Role != models.RoleAdmin {
			continue
		}
		var others []id.UserID
		for other, om := range s.members {
			if other.org == key.org && other.user != userID && om.Role == models.RoleAdmin {
				others = append(others, other.user)
			}
		}
		slices.SortFunc(others, func(a, b id.UserID) int {
			return cmp.Compare(a.String(), b.String())
		})
		out = append(out, models.AdminMembership{
			OrganizationID:   key.org,
			OrganizationName: m.OrganizationName,
			OtherAdmins:      len(others),
			OtherAdminIDs:    others,
		})
	}
	slices.SortFunc(out, func(a, b models.AdminMembership) int {
		return cmp.Compare(a.OrganizationName, b.OrganizationName)
	})
	return out, nil
}

func (s *InMemoryStore) CreateAPIToken(_ context.Context, token *models.APIToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[token.UserID]; !ok {
		return fmt.Errorf("user %s: %w", token.UserID, sentinel.ErrNotFound)
	}
	t := *token
	s.tokens[token.ID] = &t
	return nil
}

func (s *InMemoryStore) ListAPITokens(_ context.Context, userID id.UserID) ([]*models.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			c := *t
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.APIToken) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// DeleteUserCascade removes the user with its memberships and tokens.
// A missing user is not an error.
func (s *InMemoryStore) DeleteUserCascade(_ context.Context, userID id.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	for key := range s.members {
		if key.user == userID {
			delete(s.members, key)
		}
	}
	for tokenID, t := range s.tokens {
		if t.UserID == userID {
			delete(s.tokens, tokenID)
		}
	}
	return nil
}
