// Package scheduler runs the erasure sweep on a cron schedule inside the
// server process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"custodian/internal/dsr/models"
)

// DefaultRunTimeout bounds a single sweep run.
const DefaultRunTimeout = 30 * time.Minute

type sweeper interface {
	ProcessDueErasureRequests(ctx context.Context) (*models.SweepResult, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper sweeper
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	baseCtx context.Context
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New registers the sweep under spec, a standard five-field cron expression
// or a descriptor such as "@hourly". Runs never overlap: a tick that fires
// while the previous sweep is still going is skipped.
func New(spec string, sw sweeper, opts ...Option) (*Scheduler, error) {
	if sw == nil {
		return nil, errors.New("sweeper is required")
	}
	s := &Scheduler{
		sweeper: sw,
		logger:  slog.Default(),
		timeout: DefaultRunTimeout,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cronLog := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule until ctx is cancelled, then waits for an
// in-flight sweep to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "erasure sweep scheduled", "next_run", s.Next())
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// Next is the time of the next scheduled run, zero when the scheduler is
// not running.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	_, _ = s.RunOnce(ctx)
}

// RunOnce performs one sweep and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.sweeper.ProcessDueErasureRequests(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "erasure sweep failed", "error", err)
		return nil, err
	}
	attrs := []any{
		"due", result.Due,
		"processed", result.Processed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"recovered", result.Recovered,
	}
	if result.Failed > 0 {
		for _, e := range result.Errors {
			s.logger.WarnContext(ctx, "erasure request failed",
				"request_id", e.RequestID.String(),
				"user_id", e.UserID.String(),
				"error", e.Error,
			)
		}
		s.logger.WarnContext(ctx, "erasure sweep finished with failures", attrs...)
		return result, nil
	}
	s.logger.InfoContext(ctx, "erasure sweep finished", attrs...)
	return result, nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
