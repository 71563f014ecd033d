// Command worker runs the water telemetry ingest API, the job consumer pool
// and the reading aggregator in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/config"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 30 * time.Second
)

func main() {
	if path, ok := loadEnvFile(); ok {
		fmt.Printf("Loaded environment from: %s\n", path)
	} else {
		fmt.Println("No .env file found, using system environment variables")
	}

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideDBPool,
			ProvideRepository,
			ProvideRedis,
			ProvideCaches,
			ProvideResolver,
			ProvideDecoder,
			ProvideValidator,
			ProvideMQConnection,
			ProvideTopology,
			ProvideRetryPolicy,
			ProvidePublisher,
			ProvideDispatcher,
			ProvideIngestService,
			ProvideAlarmEvaluator,
			ProvideRealtimePublisher,
			ProvideAggregator,
			ProvideProcessorService,
			ProvideRelay,
			ProvideMetricsRegistry,
			ProvideRouter,
		),
		fx.Invoke(
			startAggregator,
			startWorker,
			startRelay,
			startCacheInvalidation,
			startHTTP,
			watchBroker,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The configured logger only exists inside the graph
	bootLogger, _ := newLogger(&config.Config{ServiceName: "water-telemetry-worker"})
	bootLogger.Info("starting application...", zap.Duration("timeout", startTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			bootLogger.Error("APPLICATION START TIMEOUT: a dependency (Database, RabbitMQ or Redis) is not reachable")
		}
		bootLogger.Fatal("application failed to start", zap.Error(err))
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		bootLogger.Info("shutdown signal received, draining")
	case sig := <-app.Wait():
		exitCode = sig.ExitCode
		bootLogger.Warn("application requested shutdown, draining", zap.Int("exit_code", exitCode))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		bootLogger.Error("error stopping app", zap.Error(err))
	}
	if exitCode != 0 {
		stopCancel()
		os.Exit(exitCode)
	}
}

// loadEnvFile loads the first .env found in the working directory or one of
// its two parents
func loadEnvFile() (string, bool) {
	candidates := []string{".env"}
	if workDir, err := os.Getwd(); err == nil {
		dir := workDir
		for i := 0; i < 3; i++ {
			candidates = append(candidates, filepath.Join(dir, ".env"))
			dir = filepath.Dir(dir)
		}
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			continue
		}
		abs, _ := filepath.Abs(path)
		return abs, true
	}
	return "", false
}
