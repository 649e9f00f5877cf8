package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"custodian/internal/app"
	jwttoken "custodian/internal/jwt_token"
	"custodian/internal/ledger"
	"custodian/internal/platform/config"
	"custodian/internal/platform/postgres"
	id "custodian/pkg/domain"
	strutil "custodian/pkg/platform/strings"
)

const dateLayout = "2006-01-02"

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			db, err := postgres.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			version, err := postgres.Migrate(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Process every erasure request whose grace period has elapsed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				result, err := a.Requests.ProcessDueErasureRequests(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.Failed > 0 {
					return &exitError{code: exitFailure, msg: fmt.Sprintf("%d erasure requests failed", result.Failed)}
				}
				return nil
			})
		},
	}
}

func newBackfillCmd() *cobra.Command {
	var (
		batchSize int
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Add integrity hashes to audit entries written before hashing existed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				result, err := a.Ledger.Backfill(cmd.Context(), batchSize, dryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", ledger.DefaultBackfillBatch, "entries hashed per batch")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count entries without writing hashes")
	return cmd
}

// rangeFlags are the organization and date filters shared by verify and report.
type rangeFlags struct {
	org  string
	from string
	to   string
}

func (f *rangeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.org, "org", "", "organization ID; empty covers every organization")
	cmd.Flags().StringVar(&f.from, "from", "", "start date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&f.to, "to", "", "end date, inclusive (YYYY-MM-DD or RFC 3339)")
}

func (f *rangeFlags) parse() (orgID *id.OrganizationID, from, to *time.Time, err error) {
	if f.org != "" {
		parsed, err := id.ParseOrganizationID(f.org)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("--org: %w", err)
		}
		orgID = &parsed
	}
	if from, err = parseDate(f.from, false); err != nil {
		return nil, nil, nil, fmt.Errorf("--from: %w", err)
	}
	if to, err = parseDate(f.to, true); err != nil {
		return nil, nil, nil, fmt.Errorf("--to: %w", err)
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, nil, fmt.Errorf("--to must not be before --from")
	}
	return orgID, from, to, nil
}

func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func newVerifyCmd() *cobra.Command {
	var (
		rf    rangeFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute integrity hashes and report tampered entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			orgID, from, to, err := rf.parse()
			if err != nil {
				return err
			}
			if limit < 0 || limit > ledger.MaxVerifyLimit {
				return fmt.Errorf("--limit must be between 0 and %d", ledger.MaxVerifyLimit)
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Ledger.VerifyBatch(cmd.Context(), ledger.VerifyFilter{
					OrganizationID: orgID,
					StartDate:      from,
					EndDate:        to,
					Limit:          limit,
				})
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.TamperingDetected {
					return &exitError{code: exitFindings, msg: fmt.Sprintf("tampering detected in %d entries", report.Failed)}
				}
				return nil
			})
		},
	}
	rf.bind(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to verify; 0 uses the configured default")
	return cmd
}

func newReportCmd() *cobra.Command {
	var rf rangeFlags
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a PASS/PARTIAL/FAIL compliance report for a period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			orgID, from, to, err := rf.parse()
			if err != nil {
				return err
			}
			end := time.Now().UTC()
			if to != nil {
				end = *to
			}
			start := end.AddDate(0, 0, -30)
			if from != nil {
				start = *from
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Ledger.GenerateComplianceReport(cmd.Context(), orgID, start, end)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.Status == ledger.ComplianceFail {
					return &exitError{code: exitFindings, msg: report.Summary}
				}
				return nil
			})
		},
	}
	rf.bind(cmd)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		user  string
		roles string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session-less access token for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if cfg.Server.RegulatedMode {
				return fmt.Errorf("token minting is disabled in regulated mode")
			}
			userID := id.UserID(uuid.New())
			if user != "" {
				parsed, err := id.ParseUserID(user)
				if err != nil {
					return fmt.Errorf("--user: %w", err)
				}
				userID = parsed
			}
			roleList := strutil.DedupeAndTrim(strings.Split(roles, ","))
			token, err := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer).
				GenerateAccessToken(userID, id.SessionID(uuid.Nil), roleList, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user ID; a random one when empty")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
