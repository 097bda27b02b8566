package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frahmantamala/payment-engine/internal/transport/rest"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the retry queue, the janitor and the ops endpoints",
	Long: `Start the delayed-delivery queues that re-drive failed payments, the janitor that
repairs stuck and incomplete attempts, and the health endpoints of the process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	app, err := loadApp()
	if err != nil {
		return fmt.Errorf("failed to initialize worker: %w", err)
	}
	defer app.Close()
	log := app.Logger

	if err := app.RetryQueue.Start(); err != nil {
		return err
	}
	defer app.RetryQueue.Stop()

	if app.Config.Janitor.Enabled {
		if err := app.Janitor.Start(); err != nil {
			return err
		}
		defer app.Janitor.Stop()
	} else {
		log.Warn("janitor disabled by configuration")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Config.Server.Port),
		Handler:           rest.NewRouter(rest.NewHealthHandler(app.healthChecks(), log), log),
		ReadHeaderTimeout: app.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       app.Config.Server.ReadTimeout,
		WriteTimeout:      app.Config.Server.WriteTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("ops server listening", "address", server.Addr)
		serverErrChan <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("payment worker is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down payment worker", "signal", sig)
	case err := <-serverErrChan:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server stopped", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("ops server shutdown error", "error", err)
	}
	return nil
}

func (a *App) healthChecks() map[string]rest.Check {
	checks := map[string]rest.Check{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}
