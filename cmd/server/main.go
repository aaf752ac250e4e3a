/*
main.go - Settlement engine entry point

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Open the SQLite store (schema migrates on open)
  3. Wire resolvers -> aggregator -> runner -> batch + scheduler
  4. Start the HTTP trigger surface
  5. Graceful shutdown on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port     HTTP port (default 8080)
  -db       SQLite path (default settlement.db, ":memory:" supported)
  -workers  batch worker pool size (default 4)
  -schedule enable the cron-driven month close + reconciliation sweep
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/serialworks/settlement-engine/api"
	"github.com/serialworks/settlement-engine/batch"
	"github.com/serialworks/settlement-engine/engine"
	"github.com/serialworks/settlement-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "settlement.db", "SQLite database path")
	workers := flag.Int("workers", 4, "batch worker pool size")
	schedule := flag.Bool("schedule", true, "run the cron-driven month close and reconciliation")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	contracts := engine.NewContractResolver(logger)
	weights := engine.NewWordWeightResolver()
	aggregator := engine.NewIncomeAggregator(contracts, weights, logger)
	runner := engine.NewSettlementRunner(store, store, aggregator, logger)
	reconciler := engine.NewReconciliationChecker(store)
	batchRunner := batch.NewRunner(runner, store, *workers, logger)

	var scheduler *batch.Scheduler
	if *schedule {
		scheduler = batch.NewScheduler(batchRunner, reconciler, logger)
		if err := scheduler.Start(); err != nil {
			logger.Fatal("failed to start scheduler", zap.Error(err))
		}
	}

	handler := api.NewHandler(store, runner, batchRunner, reconciler, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("settlement engine listening", zap.Int("port", *port), zap.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}
