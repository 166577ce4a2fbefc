// Package main provides the service entry point: scheduled fetches, media
// cache jobs and the HTTP read surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/x-mirror/internal/api"
	"github.com/x-mirror/internal/app"
	"github.com/x-mirror/internal/config"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/worker"
)

func main() {
	fmt.Println("X Mirror Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := logging.WithLogger(context.Background(), logger)

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}

	scheduler, err := worker.NewScheduler(a.Runner, worker.Config{
		FetchSchedule:   cfg.Monitor.Schedule,
		CleanupSchedule: cfg.MediaCache.CleanupCron,
		MediaEnabled:    a.Media != nil,
		FetchOnStartup:  cfg.Monitor.FetchOnStartup,
	})
	if err != nil {
		a.Close()
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateBurst:       cfg.Server.RateBurst,
	}
	deps := api.Deps{
		Store:   a.Store,
		Leases:  a.Leases,
		Jobs:    a.Runner,
		Queries: a.Queries,
		Metrics: a.Metrics,
	}
	if a.Media != nil {
		deps.Media = a.Media
	}
	if a.Budget != nil {
		deps.Budget = a.Budget
	}
	server := api.NewServer(serverConfig, deps)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	logger.WithFields(map[string]interface{}{
		"host":     cfg.Server.Host,
		"port":     cfg.Server.Port,
		"mode":     cfg.Monitor.Mode,
		"schedule": cfg.Monitor.Schedule,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}
	// Stops background runs; their leases are released as failed so a
	// restart can resume them.
	a.Close()

	logger.Info("Server exited")
}
