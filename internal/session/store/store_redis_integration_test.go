//go:build integration

package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custodian/internal/session/models"
	"custodian/internal/session/store"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
	"custodian/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *store.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.store = store.NewRedis(s.redis.Client.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func makeSession(userID id.UserID) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID:         id.NewSessionID(),
		UserID:     userID,
		IPAddress:  "198.51.100.20",
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
}

func (s *RedisStoreSuite) TestCreateAndFind() {
	ctx := context.Background()
	sess := makeSession(id.UserID(uuid.New()))
	s.Require().NoError(s.store.Create(ctx, sess))

	found, err := s.store.FindByID(ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(sess.ID, found.ID)
	s.Equal(sess.UserAgent, found.UserAgent)

	ttl, err := s.redis.Client.TTL(ctx, "session:"+sess.ID.String()).Result()
	s.Require().NoError(err)
	s.Greater(ttl, 23*time.Hour)

	_, err = s.store.FindByID(ctx, id.NewSessionID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestRevokeAllSessions() {
	ctx := context.Background()
	userID := id.UserID(uuid.New())
	for range 3 {
		s.Require().NoError(s.store.Create(ctx, makeSession(userID)))
	}
	s.Require().NoError(s.store.CreateRefreshToken(ctx, &models.RefreshToken{
		TokenHash: uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	n, err := s.store.RevokeAllSessions(ctx, userID)
	s.Require().NoError(err)
	s.Equal(3, n)

	n, err = s.store.RevokeAllRefreshTokens(ctx, userID)
	s.Require().NoError(err)
	s.Equal(1, n)

	sessions, err := s.store.ListByUser(ctx, userID)
	s.Require().NoError(err)
	s.Empty(sessions)

	exists, err := s.redis.Client.Exists(ctx, "user_sessions:"+userID.String()).Result()
	s.Require().NoError(err)
	s.Zero(exists)
}

// TestRevokeDuringConcurrentLogins checks that WATCH on the user index keeps
// revocation and creation consistent: every session is either revoked or
// still listed, none is orphaned.
func (s *RedisStoreSuite) TestRevokeDuringConcurrentLogins() {
	ctx := context.Background()
	userID := id.UserID(uuid.New())
	const logins = 20

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		revoked atomic.Int32
	)
	for range logins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.Create(ctx, makeSession(userID)); err == nil {
				created.Add(1)
			}
		}()
	}
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.store.RevokeAllSessions(ctx, userID)
			if err == nil {
				revoked.Add(int32(n))
			}
		}()
	}
	wg.Wait()

	remaining, err := s.store.ListByUser(ctx, userID)
	s.Require().NoError(err)
	s.Equal(created.Load(), revoked.Load()+int32(len(remaining)))
}
