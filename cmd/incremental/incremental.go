// Package incremental provides the sync command.
package incremental

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/internal/app"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// Command creates and returns the sync command
func Command(ctx *app.Context) *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply legacy changes made since the last sync",
		Long:  "Sync runs one incremental pass, or keeps ticking at the configured interval with --loop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := ctx.Open(runCtx)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					ctx.Logger.Warn("failed to close stores", logger.Error(err))
				}
			}()

			if loop {
				a.Scheduler.Run(runCtx)
				return nil
			}

			res, err := a.Scheduler.Tick(runCtx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "Keep syncing until interrupted")

	return cmd
}
