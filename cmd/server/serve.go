package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/lobby-sync/internal/activity"
	"github.com/DoyleJ11/lobby-sync/internal/config"
	"github.com/DoyleJ11/lobby-sync/internal/httpapi"
	"github.com/DoyleJ11/lobby-sync/internal/hub"
	"github.com/DoyleJ11/lobby-sync/internal/lobby"
	"github.com/DoyleJ11/lobby-sync/internal/seekstore"
)

const (
	FlagEnvFile = "env-file"
	FlagPort    = "port"
)

// GetServeCmd returns the HTTP/websocket server start command.
func GetServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the lobby server",
		RunE: func(cmd *cobra.Command, args []string) error {
			envFile, err := cmd.Flags().GetString(FlagEnvFile)
			if err != nil {
				return fmt.Errorf("%s flag: %w", FlagEnvFile, err)
			}
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed(FlagPort) {
				if cfg.Port, err = cmd.Flags().GetString(FlagPort); err != nil {
					return fmt.Errorf("%s flag: %w", FlagPort, err)
				}
			}

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String(FlagEnvFile, ".env", "(optional) dotenv file loaded before reading the environment")
	cmd.Flags().String(FlagPort, "8080", "(optional) listen port, overrides PORT")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	opts := lobby.Options{Logger: logger, InboxSize: cfg.InboxSize}

	var history activity.History
	if cfg.DatabaseURL != "" {
		store, err := seekstore.Open(cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		opts.Fetcher = seekstore.NewShared(store)
		history = store
	} else {
		logger.Warn("DATABASE_URL not set; resync fetches and activity warmup disabled")
	}
	opts.Loader = activity.NewLoader(history, activity.Config{
		Window: cfg.ActivityWindow,
		Tick:   cfg.ActivityTick,
	}, logger.Named("activity"))

	g, gctx := errgroup.WithContext(ctx)
	h := hub.NewHub(gctx, opts)

	// Build the router *with* the hub injected
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.SetupRoutes(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func init() {
	rootCmd.AddCommand(GetServeCmd())
}
