// Package reference provides the reference data sync command.
package reference

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/internal/app"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/refsync"
)

// Command creates and returns the refsync command
func Command(ctx *app.Context) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "refsync [domain]",
		Short: "Sync reference data into workspace records",
		Long:  "Refsync copies one reference domain, or every domain in dependency order when none is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					ctx.Logger.Warn("failed to close stores", logger.Error(err))
				}
			}()

			var result any
			if len(args) == 1 {
				progress, err := a.Reference.Sync(cmd.Context(), args[0], batchSize)
				if err != nil {
					return err
				}
				result = progress
			} else {
				all, err := a.Reference.SyncAll(cmd.Context(), batchSize)
				if err != nil {
					return err
				}
				result = all
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, fmt.Sprintf("Records per batch (default %d)", refsync.DefaultBatchSize))

	return cmd
}
