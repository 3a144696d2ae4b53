package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/bnema/datavault/internal/adapters/admin"
	"github.com/bnema/datavault/internal/adapters/rpc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listen      string
		adminListen string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the data vault service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := wireApp(opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			if cmd.Flags().Changed("listen") {
				app.cfg.Server.Listen = listen
			}
			if cmd.Flags().Changed("admin-listen") {
				app.cfg.Admin.Listen = adminListen
			}
			return runServe(ctx, app)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address for client connections (overrides server.listen)")
	cmd.Flags().StringVar(&adminListen, "admin-listen", "", "address for the admin HTTP endpoint (overrides admin.listen)")
	return cmd
}

func runServe(ctx context.Context, app *app) error {
	vault, err := app.newVault(ctx)
	if err != nil {
		return err
	}

	hub, err := app.newHub(vault)
	if err != nil {
		return err
	}
	defer hub.Close()

	server, err := rpc.Listen(vault, rpc.ServerConfig{
		Listen:  app.cfg.Server.Listen,
		Queue:   app.cfg.Server.Queue,
		Hub:     hub,
		Metrics: app.metrics,
		Logger:  app.log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		hub.Start(gctx)
		return nil
	})

	if app.cfg.Admin.Listen != "" {
		listener, err := net.Listen("tcp", app.cfg.Admin.Listen)
		if err != nil {
			_ = server.Close()
			_ = g.Wait()
			return fmt.Errorf("listen on %s: %w", app.cfg.Admin.Listen, err)
		}
		handler := admin.NewHandler(vault, hub, app.metrics, app.log)
		g.Go(func() error {
			return admin.Serve(gctx, listener, handler, app.log)
		})
	}

	app.log.Info().
		Str("listen", server.Addr().String()).
		Str("backend", app.cfg.Storage.Backend).
		Int("managers", len(app.cfg.Broker.Managers)).
		Msg("data vault started")

	err = g.Wait()
	app.log.Info().Msg("data vault stopped")
	return err
}
