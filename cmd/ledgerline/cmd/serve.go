package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ledgerline-systems/ledgerline/internal/projection"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the projection workers",
	Long: `Run one worker per partition for every registered projection until
interrupted. Reads follow the routing pointer, so a projection that was cut
over to a rebuilt namespace resumes under that namespace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		if cfg.Metrics.Enabled {
			shutdown := serveMetrics(rt.logger)
			defer shutdown()
		}

		var wg sync.WaitGroup
		for name, proj := range rt.projections() {
			namespace, err := rt.router.Resolve(ctx, name)
			if err != nil {
				return err
			}
			run := proj
			if namespace != name {
				// A previous replay cut this projection over; continue under
				// the namespace's own checkpoints.
				run = projection.Renamed(proj, namespace)
			}
			rt.logger.Info("starting projection",
				slog.String("projection", name),
				slog.String("namespace", namespace),
				slog.Int("partitions", proj.Partitions()))

			wg.Add(1)
			go func(run projection.Projection, namespace string) {
				defer wg.Done()
				if err := rt.engine.Run(ctx, run, namespace); err != nil && ctx.Err() == nil {
					rt.logger.Error("projection stopped",
						slog.String("projection", run.Name()),
						slog.String("error", err.Error()))
					stop()
				}
			}(run, namespace)
		}

		wg.Wait()
		rt.logger.Info("shutdown complete")
		return nil
	},
}

func serveMetrics(logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	go func() {
		logger.Info("metrics listening", slog.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
