package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/aretw0/crucible/pkg/adapters/http"
	"github.com/aretw0/crucible/pkg/reaper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the engine behind a JSON API over HTTP. Driver calls stream their
events as NDJSON (or SSE with Accept: text/event-stream); live events of a task
are available at /tasks/{id}/events and /tasks/{id}/ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(cmd, nil)
		if err != nil {
			return err
		}
		defer rt.Close()
		cfg := rt.Config
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTP.Addr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)

		handlerOpts := []httpadapter.Option{httpadapter.WithLogger(rt.Logger)}
		if cfg.Metrics.Addr == "" {
			handlerOpts = append(handlerOpts, httpadapter.WithMetrics(rt.Registry))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
			serve(ctx, g, rt.Logger, "metrics", &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		}
		serve(ctx, g, rt.Logger, "api", &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           httpadapter.NewHandler(rt.Engine, handlerOpts...),
			ReadHeaderTimeout: 10 * time.Second,
		})

		if cfg.Reaper.Enabled {
			r := rt.Engine.Reaper(reaper.WithMaxIdle(cfg.Reaper.MaxIdle))
			if err := r.Start(ctx, cfg.Reaper.Schedule); err != nil {
				stop()
				return errors.Join(err, g.Wait())
			}
		}

		return g.Wait()
	},
}

// serve runs srv in g and shuts it down gracefully once ctx is done.
func serve(ctx context.Context, g *errgroup.Group, logger *slog.Logger, name string, srv *http.Server) {
	g.Go(func() error {
		logger.Info("server listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown did not complete", "server", name, "err", err)
			return srv.Close()
		}
		logger.Info("server stopped", "server", name)
		return nil
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides http.addr)")
}
