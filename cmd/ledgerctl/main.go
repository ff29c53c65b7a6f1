package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lottonet/ledger-core/internal/app"
	"github.com/lottonet/ledger-core/internal/betting"
	"github.com/lottonet/ledger-core/internal/config"
	"github.com/lottonet/ledger-core/internal/model"
)

// operator is the identity ledgerctl acts as.
var operator = model.Caller{ID: "ledgerctl", Role: model.RoleAdmin}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var timeout time.Duration
	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operator tool for the settlement and ledger core",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall command timeout")

	root.AddCommand(
		newWeeklyResetCmd(&timeout),
		newResettleCmd(&timeout),
		newStateCmd(&timeout),
		newResetsCmd(&timeout),
		newTokenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withApp builds the ledger core, runs fn, and flushes pending audit
// events before returning.
func withApp(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, a *app.App) error) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		a.Audit.Run(auditCtx)
		close(auditDone)
	}()
	defer func() {
		stopAudit()
		<-auditDone
	}()

	return fn(ctx, a)
}

func newWeeklyResetCmd(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "weekly-reset",
		Short: "Zero weekly usage for all agents and moderators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *timeout, func(ctx context.Context, a *app.App) error {
				run, err := a.Service.WeeklyReset(ctx, operator)
				if run != nil {
					printJSON(run)
				}
				return err
			})
		},
	}
}

func newResettleCmd(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "resettle <draw-key>",
		Short: "Re-run settlement for a stored draw result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *timeout, func(ctx context.Context, a *app.App) error {
				rep, err := a.Service.Resettle(ctx, operator, args[0])
				if err != nil {
					return err
				}
				printJSON(rep)
				if len(rep.Failures) > 0 {
					return fmt.Errorf("%d bet(s) failed to settle", len(rep.Failures))
				}
				return nil
			})
		},
	}
}

func newStateCmd(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "state <user-id>",
		Short: "Show a user's weekly limit, usage and remaining allowance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *timeout, func(ctx context.Context, a *app.App) error {
				st, err := a.Service.LedgerState(ctx, operator, args[0])
				if err != nil {
					return err
				}
				printJSON(st)
				return nil
			})
		},
	}
}

func newResetsCmd(timeout *time.Duration) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "resets",
		Short: "List recent weekly reset runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *timeout, func(ctx context.Context, a *app.App) error {
				runs, err := a.Service.ResetHistory(ctx, operator, limit)
				if err != nil {
					return err
				}
				printJSON(runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an API token for a user, signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := betting.SignToken([]byte(cfg.JWTSecret), cfg.JWTIssuer, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
