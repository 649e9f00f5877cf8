//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"custodian/internal/platform/config"
	"custodian/internal/platform/postgres"
)

// PostgresContainer wraps a testcontainers Postgres instance with the schema
// migrated.
type PostgresContainer struct {
	Container testcontainers.Container
	URL       string
	DB        *sql.DB
}

// NewPostgresContainer starts Postgres and runs every migration.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container := start(t, "postgres", func(ctx context.Context) (*tcpostgres.PostgresContainer, error) {
		return tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("custodian"),
			tcpostgres.WithUsername("custodian"),
			tcpostgres.WithPassword("custodian"),
			tcpostgres.BasicWaitStrategies(),
		)
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		abort(t, container, "postgres connection string", err)
	}
	db, err := postgres.Open(ctx, config.DatabaseConfig{URL: url, MaxOpenConns: 50})
	if err != nil {
		abort(t, container, "connect to postgres", err)
	}
	if _, err := postgres.Migrate(db); err != nil {
		_ = db.Close()
		abort(t, container, "migrate postgres", err)
	}

	return &PostgresContainer{
		Container: container,
		URL:       url,
		DB:        db,
	}
}

// TruncateTables empties the given tables. Use between tests to ensure
// isolation.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(tables, ", ")))
	return err
}

// Exec runs a raw statement, for tests that need to bypass the stores.
func (p *PostgresContainer) Exec(ctx context.Context, query string, args ...any) error {
	_, err := p.DB.ExecContext(ctx, query, args...)
	return err
}
