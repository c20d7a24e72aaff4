// Package validate provides the migration audit command.
package validate

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/internal/app"
	"github.com/deskbridge/deskbridge/internal/audit"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// Command creates and returns the validate command
func Command(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [domain]",
		Short: "Compare source and target counts and sample migrated records",
		Long:  "Validate audits the ticket migration, or a reference domain when one is given.",
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

			var report *audit.Report
			if len(args) == 1 {
				report, err = a.Reference.Validate(cmd.Context(), args[0])
			} else {
				report, err = a.Migration.Validate(cmd.Context())
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
