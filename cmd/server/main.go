package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"custodian/internal/app"
	"custodian/internal/dsr/scheduler"
	jwttoken "custodian/internal/jwt_token"
	"custodian/internal/platform/config"
	"custodian/internal/platform/httpserver"
	"custodian/internal/platform/logger"
	"custodian/internal/platform/middleware"
	httptransport "custodian/internal/transport/http"
)

// main wires dependencies, starts the HTTP server and the erasure sweep, and
// keeps both alive until SIGINT or SIGTERM. Business logic lives in the
// internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown cleanup failed", "error", err)
		}
	}()

	sweeps, err := scheduler.New(cfg.DSR.SweepSchedule, a.Requests, scheduler.WithLogger(log))
	if err != nil {
		return err
	}

	health := make(map[string]httptransport.HealthCheck, len(a.Health))
	for name, check := range a.Health {
		health[name] = check
	}

	router := httptransport.NewRouter(httptransport.RouterConfig{
		DSR:         httptransport.NewDSRHandler(a.Requests, log),
		Audit:       httptransport.NewAuditHandler(a.Ledger, log),
		Validator:   jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer)),
		Sessions:    a.Sessions,
		RateLimiter: middleware.NewRateLimiter(cfg.Server.DSRRateLimit, cfg.Server.DSRRateBurst, 10*time.Minute, log),
		Metrics:     a.Metrics,
		Gatherer:    a.MetricsHandler(),
		AdminRole:   cfg.Auth.AdminRole,
		// Only session-bound tokens can be revoked by an erasure request.
		RequireSession: cfg.Server.RegulatedMode,
		Health:         health,
		Logger:         log,
	})

	log.InfoContext(ctx, "starting custodian",
		"addr", cfg.Server.Addr,
		"regulated_mode", cfg.Server.RegulatedMode,
		"sweep_schedule", cfg.DSR.SweepSchedule,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(cfg.Server.Addr, router), log)
	})
	g.Go(func() error {
		if err := sweeps.Start(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}
