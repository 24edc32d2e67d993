// Package cmd defines and implements the CLI commands for the ani-regulations executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/api"
	"github.com/JakeFAU/ani-regulations/internal/app"
	"github.com/JakeFAU/ani-regulations/internal/config"
	"github.com/JakeFAU/ani-regulations/internal/logging"
	"github.com/JakeFAU/ani-regulations/internal/scheduler"
)

var (
	cfgFile string
	envFile string
)

// ctxKey keys the values the root command stores for subcommands.
type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// skipApp marks commands that must not open the database pool.
const skipApp = "skip-app"

// Runner is the pipeline surface the commands drive.
type Runner interface {
	api.Runner
	scheduler.Runner
}

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Close()
	Runner() Runner
	Pinger() api.Pinger
}

// appAdapter narrows *app.App to App.
type appAdapter struct {
	*app.App
}

func (a appAdapter) Runner() Runner {
	return a.Pipeline()
}

func (a appAdapter) Pinger() api.Pinger {
	return a.Store()
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger, app.PostgresConnector)
	if err != nil {
		return nil, err
	}
	return appAdapter{a}, nil
}

// newRootCmd creates and configures the root command. The returned cleanup
// closes whatever the pre-run hook opened, including after a failed command.
func newRootCmd() (*cobra.Command, func()) {
	var (
		opened App
		logger *zap.Logger
	)
	cleanup := func() {
		if opened != nil {
			opened.Close()
			opened = nil
		}
		if logger != nil {
			_ = logger.Sync() //nolint:errcheck // best-effort flush
		}
	}

	cmd := &cobra.Command{
		Use:   "ani-regulations",
		Short: "Scrapes ANI regulations into Postgres.",
		Long: `ani-regulations tracks the regulations listing published by the
Agencia Nacional de Infraestructura. Each run probes the first listing pages for
documents newer than the database, scrapes the configured page range, validates
the rows against a declarative ruleset and inserts the ones not yet stored.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Loads config and logging, then builds the application for
		// subcommands that need the database.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			if cmd.Annotations[skipApp] != "true" {
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				opened = appInstance
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config; missing files are ignored")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newProbeCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd, cleanup
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnvFile exports a dotenv file without overriding variables already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		logger = zap.NewNop()
	}
	return cfg, logger, nil
}
