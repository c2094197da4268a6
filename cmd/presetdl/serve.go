package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/datallboy/presetdl/internal/api"
	"github.com/datallboy/presetdl/internal/engine"
)

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download engine behind the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			appCtx, cleanup, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			if port == "" {
				port = appCtx.Config.Port
			}

			mgr := engine.NewManager(appCtx, nil)
			if err := mgr.Restore(ctx); err != nil {
				appCtx.Logger.Error("Failed to restore previous downloads: %v", err)
			}

			e := echo.New()
			api.RegisterRoutes(e, appCtx, mgr)

			srv := &http.Server{
				Addr:              net.JoinHostPort("", port),
				Handler:           e,
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			errCh := make(chan error, 1)
			go func() {
				appCtx.Logger.Info("API listening on :%s", port)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				appCtx.Logger.Info("Shutting down...")
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					appCtx.Logger.Error("API server stopped: %v", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				appCtx.Logger.Warn("API shutdown: %v", err)
			}
			// Running groups are requeued and persisted for the next start
			return mgr.Close()
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides config)")
	return cmd
}
