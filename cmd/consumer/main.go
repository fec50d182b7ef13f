package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/basakil/writeshed/internal/broker"
	"github.com/basakil/writeshed/internal/consumer"
	"github.com/basakil/writeshed/internal/store"
	"github.com/basakil/writeshed/pkg/config"
	"github.com/basakil/writeshed/utils"
)

// startupRetries bounds how many times the consumer probes its
// dependencies before giving up (spec §6: non-zero exit on unrecoverable
// startup failure).
const startupRetries = 5

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
		PoolSize:     8,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	defer redisBroker.Close()

	mongoStore, err := store.NewMongoStore(store.MongoOptions{
		URI:            settings.MongoURI,
		MaxPoolSize:    5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Error("Failed to construct store client", "error", err)
		os.Exit(1)
	}
	defer mongoStore.Close(context.Background())

	if err := waitForDependencies(redisBroker, mongoStore, settings, logger); err != nil {
		logger.Error("Dependencies unreachable at startup, exiting", "error", err)
		os.Exit(1)
	}

	logger.Info("Runtime information", "maxOSThreads", runtime.NumCPU())
	logger.Info("Goroutine info", "details", utils.GetGoroutineInfo())

	c := consumer.New(settings, redisBroker, mongoStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error("Consumer loop exited with error", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Consumer shutdown complete")
}

// waitForDependencies applies a supervised initialization pass with
// exponential backoff before the first real connection attempt (spec §9's
// "single supervised initialization pass" guidance), surfaced as a
// non-zero exit on exhaustion per spec §6.
func waitForDependencies(b *broker.RedisBroker, d *store.MongoStore, settings config.Settings, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < startupRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		brokerErr := b.Ping(ctx)
		storeErr := d.Ping(ctx)
		cancel()

		if brokerErr == nil && storeErr == nil {
			return nil
		}

		lastErr = fmt.Errorf("broker: %v, store: %v", brokerErr, storeErr)
		backoff := time.Duration(1<<attempt) * settings.RetryDelay
		logger.Warn("Dependencies not yet reachable, retrying", "attempt", attempt+1, "backoff", backoff, "error", lastErr)
		time.Sleep(backoff)
	}
	return lastErr
}
