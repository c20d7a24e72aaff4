// Package migrate provides the full migration commands.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/internal/app"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/migration"
)

// Command creates and returns the migrate command
func Command(ctx *app.Context) *cobra.Command {
	var opts migration.StartOptions

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate legacy tickets into the target store",
		Long: `Migrate copies every legacy ticket with its answers into the target store in batches.
Tickets already recorded in the ledger are skipped, so an interrupted run can simply be started again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context(), ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "Tickets per batch (default from configuration)")
	cmd.Flags().IntVar(&opts.MaxRequests, "max-requests", 0, "Migrate at most this many tickets, 0 for all")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would be migrated without writing")

	return cmd
}

// RetryCommand creates and returns the retry-failed command
func RetryCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-process tickets whose migration failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			res, err := a.Migration.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func runMigration(parent context.Context, cctx *app.Context, opts migration.StartOptions, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := cctx.Open(ctx)
	if err != nil {
		return err
	}
	defer closeApp(cctx, a)

	if opts.MaxRequests == 0 {
		opts.MaxRequests = cctx.Settings.Migration.MaxRequests
	}

	msg, err := a.Migration.Start(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, msg)
	if opts.DryRun {
		return printJSON(out, a.Migration.Progress())
	}

	if err := a.Migration.Wait(ctx); err != nil {
		// Interrupted: let the current batch commit, then stop.
		cctx.Logger.Info("interrupt received, stopping after the current batch")
		a.Migration.Stop()
		if err := a.Migration.Wait(context.Background()); err != nil {
			return err
		}
	}

	progress := a.Migration.Progress()
	if err := printJSON(out, progress); err != nil {
		return err
	}
	if progress.Error != "" {
		return fmt.Errorf("migration ended with error: %s", progress.Error)
	}
	return nil
}

func closeApp(cctx *app.Context, a *app.App) {
	if err := a.Close(); err != nil {
		cctx.Logger.Warn("failed to close stores", logger.Error(err))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
