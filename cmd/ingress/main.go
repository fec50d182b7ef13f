package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/basakil/writeshed/internal/broker"
	"github.com/basakil/writeshed/internal/ingress"
	"github.com/basakil/writeshed/internal/store"
	"github.com/basakil/writeshed/pkg/config"
	"github.com/basakil/writeshed/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.GetLogLevel(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	settings, err := config.LoadSettings(cfg)
	if err != nil {
		logger.Error("Failed to resolve settings", "error", err)
		os.Exit(1)
	}

	redisBroker := broker.NewRedisBroker(broker.Options{
		Addr:         fmt.Sprintf("%s:%d", settings.RedisHost, settings.RedisPort),
		PoolSize:     200,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	defer redisBroker.Close()

	mongoStore, err := store.NewMongoStore(store.MongoOptions{
		URI:            settings.MongoURI,
		MaxPoolSize:    10,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Error("Failed to construct store client", "error", err)
		os.Exit(1)
	}
	defer mongoStore.Close(context.Background())

	srv := ingress.New(settings, redisBroker, mongoStore, logger)

	logger.Info("Runtime information", "maxOSThreads", runtime.NumCPU())
	logger.Info("Goroutine info", "details", utils.GetGoroutineInfo())
	logger.Info("Available endpoints", "endpoints", []string{
		"GET /healthz",
		"GET /readyz",
		"GET /api/data",
		"GET /api/stats",
		"GET /api/cache/stats",
		"POST /api/cache/clear",
	})
	logger.Info("Press Ctrl+C to shutdown gracefully")

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Ingress shutdown complete")
}
