// Package app assembles the ledger, the request manager and their
// infrastructure from configuration. The server and the operator CLI share it
// so both run against identically wired components.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	accountpg "custodian/internal/account/store/postgres"
	"custodian/internal/archive"
	"custodian/internal/dsr/adapters"
	dsrservice "custodian/internal/dsr/service"
	dsrpg "custodian/internal/dsr/store/postgres"
	"custodian/internal/ledger"
	ledgerpg "custodian/internal/ledger/store/postgres"
	"custodian/internal/ledger/stream"
	"custodian/internal/platform/config"
	"custodian/internal/platform/kafka"
	"custodian/internal/platform/metrics"
	"custodian/internal/platform/postgres"
	"custodian/internal/platform/redis"
	sessionModels "custodian/internal/session/models"
	sessionstore "custodian/internal/session/store"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/tx"
)

// SessionStore is everything the running system needs from session storage.
type SessionStore interface {
	IsSessionActive(ctx context.Context, sessionID id.SessionID) (bool, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]*sessionModels.Session, error)
	RevokeAllSessions(ctx context.Context, userID id.UserID) (int, error)
	RevokeAllRefreshTokens(ctx context.Context, userID id.UserID) (int, error)
}

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	DB       *sql.DB
	Ledger   *ledger.Ledger
	Requests *dsrservice.Manager
	Sessions SessionStore
	// Health maps dependency names to reachability checks.
	Health map[string]func(ctx context.Context) error

	closers []func() error
}

// New connects every configured dependency. On error, whatever was already
// opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.New(reg),
		Registry: reg,
		Health:   map[string]func(ctx context.Context) error{},
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.DB, err = postgres.Open(ctx, cfg.Database); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)
	a.Health["postgres"] = func(ctx context.Context) error { return postgres.Health(ctx, a.DB) }

	if cfg.Database.MigrateOnStart {
		version, err := postgres.Migrate(a.DB)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "database schema ready", "version", version)
	}

	if err := a.buildSessions(ctx); err != nil {
		return nil, err
	}
	if err := a.buildLedger(ctx); err != nil {
		return nil, err
	}
	if err := a.buildRequests(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildSessions(ctx context.Context) error {
	client, err := redis.New(ctx, a.Config.Redis)
	if err != nil {
		return err
	}
	if client == nil {
		a.Logger.WarnContext(ctx, "REDIS_URL not set; sessions are kept in memory and lost on restart")
		a.Sessions = sessionstore.New()
		return nil
	}
	a.closers = append(a.closers, client.Close)
	a.Health["redis"] = client.Health
	a.Sessions = sessionstore.NewRedis(client.Client)
	return nil
}

func (a *App) buildLedger(ctx context.Context) error {
	signer, err := ledger.NewSigner(a.Config.Audit.IntegritySecret)
	if err != nil {
		return err
	}
	opts := []ledger.Option{
		ledger.WithLogger(a.Logger),
		ledger.WithMetrics(a.Metrics),
		ledger.WithVerifyLimit(a.Config.Audit.VerifyLimit),
	}

	if a.Config.Kafka.Enabled() {
		client, err := kafka.NewClient(a.Config.Kafka.Brokers)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		if err := kafka.EnsureTopic(ctx, client, a.Config.Kafka.Topic, 3, 1); err != nil {
			// The mirror is best-effort; a missing topic only means dropped copies.
			a.Logger.WarnContext(ctx, "audit stream topic not provisioned", "topic", a.Config.Kafka.Topic, "error", err)
		}
		a.Health["kafka"] = client.Ping
		opts = append(opts, ledger.WithStreamer(stream.NewKafkaStreamer(client, a.Config.Kafka.Topic, stream.WithLogger(a.Logger))))
	}

	a.Ledger = ledger.New(ledgerpg.New(a.DB), signer, opts...)
	return nil
}

func (a *App) buildRequests(ctx context.Context) error {
	accounts := accountpg.New(a.DB)
	cfg := a.Config.DSR

	var opts []dsrservice.Option
	var purger interface {
		PurgeUser(ctx context.Context, userID id.UserID) (int, error)
	}
	if a.Config.Archive.Enabled() {
		store, err := archive.New(a.Config.Archive, archive.WithLogger(a.Logger))
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		purger = store
		opts = append(opts, dsrservice.WithExportArchive(store))
	}

	opts = append(opts,
		dsrservice.WithLogger(a.Logger),
		dsrservice.WithMetrics(a.Metrics),
		dsrservice.WithGracePeriod(cfg.GracePeriod),
		dsrservice.WithSweepConcurrency(cfg.SweepConcurrency),
		dsrservice.WithSweepLimit(cfg.SweepLimit),
		dsrservice.WithStuckAfter(cfg.StuckAfter),
		dsrservice.WithMaxRecoveryAttempts(cfg.MaxRecoveryAttempts),
	)

	manager, err := dsrservice.New(
		dsrpg.New(a.DB),
		newBoundedTx(tx.NewRunner(a.DB, nil), 0),
		a.Ledger,
		dsrservice.Collaborators{
			Memberships: adapters.NewMembershipQuerier(accounts),
			Accounts:    adapters.NewAccountDeleter(accounts, purger),
			Sessions:    a.Sessions,
			Gatherer:    adapters.NewExportGatherer(accounts, a.Sessions, a.Ledger),
		},
		opts...,
	)
	if err != nil {
		return err
	}
	a.Requests = manager
	return nil
}

// MetricsHandler serves the registry New populated.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
