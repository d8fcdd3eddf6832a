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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/backwardn/nomulus/api"
	"github.com/backwardn/nomulus/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the transfer deadline sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		a, err := build(cmd.Context(), cfg, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		defer a.Close()
		return serve(a)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Server-approve expired pending transfers once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		a, err := build(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := api.NewDeadlineSweeper(a.executor, a.logger, nil).Sweep(cmd.Context())
		fmt.Printf("Resolved %d expired transfer(s)\n", n)
		return err
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Print the configured migration mode and backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("mode:      %s\n", cfg.Txn.Mode)
		fmt.Printf("primary:   %s\n", orNone(cfg.Primary.Driver))
		fmt.Printf("secondary: %s\n", orNone(cfg.Secondary.Driver))
		fmt.Printf("allocator: %s\n", cfg.Txn.Allocator)
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func serve(a *app) error {
	sweeper := api.NewDeadlineSweeper(a.executor, a.logger, a.metrics)
	if a.cfg.Transfer.SweepInterval > 0 {
		sweeper.Interval = a.cfg.Transfer.SweepInterval
	} else {
		sweeper.Enabled = false
	}
	sweeper.Start()

	handler := api.NewHandler(a.executor, a.aggregator, sweeper, a.logger)
	handler.NearingWindow = a.cfg.Transfer.NearingWindow

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, a.metrics),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		sweeper.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	a.logger.Info("shutting down server")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
