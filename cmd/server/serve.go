package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/attachvault/internal/config"
	"github.com/PaulBabatuyi/attachvault/internal/observability"
	"github.com/PaulBabatuyi/attachvault/internal/worker"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the processing worker, periodic retention sweeps and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Tracing.Enabled {
				tp, err := observability.InitTracerProvider(ctx, os.Stderr, version, a.logger)
				if err != nil {
					return err
				}
				defer observability.ShutdownTracerProvider(context.Background(), tp, a.logger)
			}

			metrics := observability.StartMetricsServer(cfg.Metrics.Port, a.logger)

			if !noWorker {
				w := worker.NewProcessingWorker(a.store, a.vault, worker.WorkerConfig{
					PollInterval: cfg.Worker.PollInterval,
				}, a.logger)
				w.Start(ctx)
				defer w.Stop()
			}

			reaped := make(chan struct{})
			go func() {
				defer close(reaped)
				a.reaper.Run(ctx, cfg.Retention.SweepInterval)
			}()

			<-ctx.Done()
			a.logger.Info("shutting down")
			<-reaped

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("metrics server shutdown", zap.Error(err))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "leave processing to an external pipeline")
	return cmd
}
