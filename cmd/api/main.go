package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/austindbirch/courier/internal/api"
	"github.com/austindbirch/courier/internal/app"
	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/tracing"
)

const serviceName = "courier-api"

func main() {
	cfg := config.FromEnv()
	if err := logging.Init(cfg.Env); err != nil {
		logging.Plain().WithError(err).Warn("falling back to default logger")
	}
	defer logging.Sync()
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	a, err := app.New(ctx, cfg, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to build api")
	}
	defer a.Close()

	srv := api.NewServer(a.Queue, a.Scheduler).WithBuildInfo(api.BuildInfo{
		Version: cfg.Tracing.Version,
		Store:   cfg.StoreBackend,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           srv.Routes(a.HealthHandler(), a.MetricsHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":  httpSrv.Addr,
			"store": cfg.StoreBackend,
		}).Info("api server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("api server failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("Shutting down api server")

	// manual cycles may still be running; give them the sender timeout to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sender.Timeout+5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("api server shutdown")
	}
	logger.Plain().Info("api server stopped")
}
