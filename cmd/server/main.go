package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/config"
	"github.com/notifyhub/delivery-pipeline/internal/db"
	"github.com/notifyhub/delivery-pipeline/internal/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "notifyhub",
		Short: "Notification delivery pipeline",
		RunE:  serveCmd().RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app := NewApp(cfg, log)
			defer app.Close()

			if err := app.Initialize(ctx); err != nil {
				log.Error("startup failed", zap.Error(err))
				return err
			}
			if err := app.Run(ctx); err != nil {
				log.Error("server stopped with error", zap.Error(err))
				return err
			}
			log.Info("server stopped cleanly")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply dead-letter schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is not set")
			}
			if err := db.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
