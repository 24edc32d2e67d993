package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/api"
	"github.com/JakeFAU/ani-regulations/internal/config"
	"github.com/JakeFAU/ani-regulations/internal/pipeline"
	"github.com/JakeFAU/ani-regulations/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand: the HTTP API plus the optional
// cron trigger.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API and the scheduled runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg, logger, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, appInstance, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, appInstance App, logger *zap.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	sched, err := buildScheduler(cfg, appInstance.Runner(), logger)
	if err != nil {
		return err
	}
	if sched != nil {
		sched.Start()
		defer sched.Stop()
	}

	apiServer := api.NewServer(appInstance.Runner(), appInstance.Pinger(), cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// buildScheduler returns nil when the schedule is disabled.
func buildScheduler(cfg config.Config, runner scheduler.Runner, logger *zap.Logger) (*scheduler.Scheduler, error) {
	if !cfg.Schedule.Enabled {
		return nil, nil
	}
	sched, err := scheduler.New(scheduler.Config{
		Spec: cfg.Schedule.Cron,
		Request: pipeline.Request{
			NumPages: cfg.Schedule.NumPages,
			Force:    cfg.Schedule.Force,
		}.Normalize(),
		Retries:    cfg.Schedule.Retries,
		RetryDelay: cfg.Schedule.RetryDelay(),
		RunTimeout: cfg.RunTimeout(),
	}, runner, logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	return sched, nil
}
