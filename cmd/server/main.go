package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/config"
	"github.com/elibrary/circulation/internal/handlers"
	"github.com/elibrary/circulation/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "circulation",
		Short:         "Library circulation server: loans, fines and reminders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".env", "config file (.env, yaml or json)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newScanCmd(&configPath),
		newRemindCmd(&configPath),
	)
	return root
}

// bootstrap loads config, builds the logger and wires the app.
func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		logger.Sync()
		return nil, err
	}
	return a, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the overdue and reminder loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			defer a.Close()

			if migrate {
				if err := a.store.Migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				a.logger.Info("schema migrated")
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	server := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      handlers.NewRouter(a.router()),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	var wg sync.WaitGroup
	for _, loop := range []interface{ Run(context.Context) }{a.scanLoop, a.remindLoop} {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(loopCtx)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	a.logger.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// a cycle in progress finishes before the loops return
	stopLoops()
	wg.Wait()
	a.logger.Info("Server stopped")
	return runErr
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			defer a.Close()
			if err := a.store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.logger.Info("schema migrated")
			return nil
		},
	}
}

func newScanCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one overdue scan and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			defer a.Close()
			if err := a.scanLoop.RunOnce(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd, a.scan.Last())
		},
	}
}

func newRemindCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Run one due-date reminder cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			defer a.Close()
			if err := a.remindLoop.RunOnce(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd, a.send.Last())
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
