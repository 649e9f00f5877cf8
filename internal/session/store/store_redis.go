package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"custodian/internal/session/models"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
)

const (
	sessionPrefix     = "session:"
	userSessionPrefix = "user_sessions:"
	refreshPrefix     = "refresh:"
	userRefreshPrefix = "user_refresh:"

	// maxWatchRetries bounds optimistic retries when a concurrent writer
	// touches the user index during revocation.
	maxWatchRetries = 5
)

// RedisStore keeps sessions and refresh tokens as JSON values with a TTL,
// plus one index set per user for bulk revocation.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(sessionID id.SessionID) string { return sessionPrefix + sessionID.String() }
func userSessionsKey(userID id.UserID) string  { return userSessionPrefix + userID.String() }
func refreshKey(hash string) string            { return refreshPrefix + hash }
func userRefreshKey(userID id.UserID) string   { return userRefreshPrefix + userID.String() }

func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.ID), data, ttlUntil(sess.ExpiresAt))
		pipe.SAdd(ctx, userSessionsKey(sess.UserID), sess.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// IsSessionActive reports whether the session still exists. Revocation
// deletes the key, so a revoked session reads as inactive.
func (s *RedisStore) IsSessionActive(ctx context.Context, sessionID id.SessionID) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return n == 1, nil
}

// ListByUser returns the user's live sessions. Index entries whose session
// already expired are skipped.
func (s *RedisStore) ListByUser(ctx context.Context, userID id.UserID) ([]*models.Session, error) {
	members, err := s.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = sessionPrefix + m
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load user sessions: %w", err)
	}
	out := make([]*models.Session, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, nil
}

func (s *RedisStore) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, refreshKey(token.TokenHash), data, ttlUntil(token.ExpiresAt))
		pipe.SAdd(ctx, userRefreshKey(token.UserID), token.TokenHash)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// RevokeAllSessions deletes every session of the user and returns how many
// were still live.
func (s *RedisStore) RevokeAllSessions(ctx context.Context, userID id.UserID) (int, error) {
	return s.revokeIndexed(ctx, userSessionsKey(userID), sessionPrefix)
}

// RevokeAllRefreshTokens deletes every refresh token of the user and returns
// how many were still live.
func (s *RedisStore) RevokeAllRefreshTokens(ctx context.Context, userID id.UserID) (int, error) {
	return s.revokeIndexed(ctx, userRefreshKey(userID), refreshPrefix)
}

// revokeIndexed deletes the index set and every key it names in one MULTI.
// WATCH on the index makes a concurrent Create abort and retry the
// transaction, so a session added mid-revocation is not left behind.
func (s *RedisStore) revokeIndexed(ctx context.Context, indexKey, prefix string) (int, error) {
	var revoked int
	txf := func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, indexKey).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			revoked = 0
			return nil
		}
		keys := make([]string, len(members))
		for i, m := range members {
			keys[i] = prefix + m
		}
		var del *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, keys...)
			pipe.Del(ctx, indexKey)
			return nil
		})
		if err != nil {
			return err
		}
		revoked = int(del.Val())
		return nil
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, indexKey)
		if err == nil {
			return revoked, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, fmt.Errorf("revoke %s: %w", indexKey, err)
	}
	return 0, fmt.Errorf("revoke %s: too many concurrent writers: %w", indexKey, sentinel.ErrUnavailable)
}
