// Package serve provides the long-running service command.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/internal/api"
	"github.com/deskbridge/deskbridge/internal/app"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// Command creates and returns the serve command
func Command(ctx *app.Context) *cobra.Command {
	var noSync bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the incremental sync",
		Long:  "Serve starts the HTTP control API and, when enabled, ticks the incremental sync until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), ctx, !noSync)
		},
	}

	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Do not run the incremental sync scheduler")

	return cmd
}

func run(parent context.Context, cctx *app.Context, withSync bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := cctx.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			cctx.Logger.Warn("failed to close stores", logger.Error(err))
		}
	}()

	settings := cctx.Settings
	var server *api.Server
	if settings.API.Enabled {
		server, err = api.New(api.ConfigFromSettings(settings),
			api.WithLogger(cctx.Logger.Module("api")),
			api.WithMigration(a.Migration),
			api.WithReference(a.Reference),
			api.WithScheduler(a.Scheduler),
			api.WithMetrics(a.Metrics),
			api.WithVersion(cctx.Version),
		)
		if err != nil {
			return err
		}
		server.Start()
	}

	var wg sync.WaitGroup
	if withSync && settings.Sync.Enabled {
		wg.Go(func() { a.Scheduler.Run(ctx) })
	}

	var serveErr error
	if server != nil {
		select {
		case <-ctx.Done():
		case serveErr = <-server.Errors():
			stop()
		}
	} else {
		<-ctx.Done()
	}

	cctx.Logger.Info("shutting down")
	if server != nil {
		if err := server.Shutdown(context.Background()); err != nil && serveErr == nil {
			serveErr = err
		}
	}
	wg.Wait()

	if a.Migration.Stop() {
		_ = a.Migration.Wait(context.Background())
	}
	a.Reference.Wait()

	if serveErr != nil {
		return fmt.Errorf("api server: %w", serveErr)
	}
	return nil
}
