package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/terrapoint/internal/resolver"
	"github.com/MeKo-Tech/terrapoint/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the elevation query API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().String("cache-control", "no-store", "Cache-Control header for query responses")
	serveCmd.Flags().Duration("shutdown-grace", 10*time.Second, "Grace period for in-flight requests on shutdown")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.cache_control", "cache-control")
	mustBind("serve.shutdown_grace", "shutdown-grace")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sel, err := resolver.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	addr := viper.GetString("serve.addr")
	api := server.NewElevation(sel, server.ElevationConfig{
		MaxBatchPoints: cfg.MaxBatchPoints,
		BatchTimeout:   cfg.Timeouts.Batch,
		CacheControl:   viper.GetString("serve.cache_control"),
	}, logger)

	mux := http.NewServeMux()
	api.Routes(mux)

	logger.Info("elevation server listening",
		"addr", addr,
		"index", cfg.IndexPath,
		"providers", len(cfg.Providers),
		"batch_workers", cfg.Concurrency.BatchWorkers,
	)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	grace := viper.GetDuration("serve.shutdown_grace")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
