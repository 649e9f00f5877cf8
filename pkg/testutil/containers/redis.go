//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"custodian/internal/platform/config"
	"custodian/internal/platform/redis"
)

// RedisContainer backs the session store suites. Client is built through the
// same constructor the server uses.
type RedisContainer struct {
	Container testcontainers.Container
	URL       string
	Client    *redis.Client
}

func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	container := start(t, "redis", func(ctx context.Context) (*tcredis.RedisContainer, error) {
		return tcredis.Run(ctx, "redis:7-alpine")
	})

	url, err := container.ConnectionString(ctx)
	if err != nil {
		abort(t, container, "redis connection string", err)
	}
	client, err := redis.New(ctx, config.RedisConfig{URL: url, PoolSize: 20})
	if err != nil {
		abort(t, container, "connect to redis", err)
	}

	return &RedisContainer{Container: container, URL: url, Client: client}
}

// FlushAll drops every session and refresh-token key.
func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}
