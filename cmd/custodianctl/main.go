// Command custodianctl runs operator tasks against the ledger and the
// request store: migrations, an on-demand erasure sweep, hash backfill,
// integrity verification and compliance reports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"custodian/internal/app"
	"custodian/internal/platform/config"
	"custodian/internal/platform/logger"
)

// Exit codes. Findings are distinct from failures so cron jobs and CI can
// alert on tampering without treating it as a crash.
const (
	exitFailure  = 1
	exitFindings = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "custodianctl",
		Short:         "Operate the compliance audit ledger and data subject requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newSweepCmd(),
		newBackfillCmd(),
		newVerifyCmd(),
		newReportCmd(),
		newTokenCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	os.Exit(exitFailure)
}

// withApp builds the application from the environment for the length of fn.
// Schema migration is left to the migrate command.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg := config.FromEnv()
	cfg.Database.MigrateOnStart = false
	a, err := app.New(ctx, cfg, logger.NewWithWriter(os.Stderr, cfg.LogLevel, false))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
