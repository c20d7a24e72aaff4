// Package cmd assembles the deskbridge command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/cmd/incremental"
	"github.com/deskbridge/deskbridge/cmd/migrate"
	"github.com/deskbridge/deskbridge/cmd/reference"
	"github.com/deskbridge/deskbridge/cmd/serve"
	"github.com/deskbridge/deskbridge/cmd/validate"
	"github.com/deskbridge/deskbridge/internal/app"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *app.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "deskbridge",
		Short:         "Legacy helpdesk migration and sync",
		Version:       ctx.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	setupFlags(rootCmd, ctx)

	rootCmd.AddCommand(
		serve.Command(ctx),
		migrate.Command(ctx),
		migrate.RetryCommand(ctx),
		reference.Command(ctx),
		incremental.Command(ctx),
		validate.Command(ctx),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return ctx.Initialize()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		ctx.Shutdown()
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, ctx *app.Context) {
	rootCmd.PersistentFlags().StringVarP(&ctx.ConfigFile, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&ctx.Debug, "debug", "d", false, "Enable debug output")
}
