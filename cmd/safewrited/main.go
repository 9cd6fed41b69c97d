// Copyright (c) OpenMMLab. All rights reserved.

package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"safewrite/logger"
	"safewrite/pkg/filelock"
	"safewrite/pkg/httpserver"
	"safewrite/pkg/journal"
	"safewrite/pkg/prom/metrics"
	"safewrite/pkg/safewriter"
	"safewrite/pkg/version"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 1. Define command-line arguments and environment variables
var (
	Port           = flag.String("port", "", "http service listen port, default 8750")
	PushGatewayURL = flag.String("push-gateway", "", "Pushgateway URL (e.g., http://localhost:9091)")
	JobName        = flag.String("job-name", "safewrited", "Job name for metrics")
	PushInterval   = flag.Duration("push-interval", 15*time.Second, "Metrics push interval")
	LockTimeout    = flag.Duration("lock-timeout", 30*time.Second, "Default lock hold/wait timeout")
	MaxQueueSize   = flag.Int("max-queue-size", 100, "Per-path lock wait queue capacity")
	NoSync         = flag.Bool("no-sync", false, "Skip fsync on writes (faster, less durable)")
	JournalDir     = flag.String("journal-dir", "", "Directory for write audit journal files (empty disables auditing)")
	JournalMaxSize = flag.Int64("journal-max-size", 0, "Max journal file size in bytes before rotation, default 10MB")
)

func main() {
	flag.Parse()
	go metrics.PushMetricsToGateway(*PushGatewayURL, *JobName, *PushInterval)

	writer := safewriter.NewWriter(safewriter.Options{
		DefaultTimeout: *LockTimeout,
		NoSync:         *NoSync,
		Lock: filelock.Options{
			DefaultTimeout: *LockTimeout,
			MaxQueueSize:   *MaxQueueSize,
		},
	})
	go metrics.WatchLockEvents(writer.LockManager().Events())

	var jnl *journal.Journal
	if *JournalDir != "" {
		var err error
		jnl, err = journal.NewJournal(*JournalDir, *JournalMaxSize, writer)
		if err != nil {
			logger.Logger.Fatal("failed to open audit journal", zap.Error(err))
		}
	}

	// Get port from environment variable, default to 8750
	if *Port == "" {
		*Port = os.Getenv("SAFEWRITED_PORT")
	}
	if *Port == "" {
		*Port = "8750"
	}

	lis, err := net.Listen("tcp", ":"+(*Port))
	if err != nil {
		logger.Logger.Fatal("failed to listen", zap.Error(err))
		os.Exit(1)
	}

	// Create router
	router := mux.NewRouter()
	router.Use(metrics.MetricsMiddleware)

	// Register HTTP handlers
	httpHandler := httpserver.NewDefaultHandler(writer, jnl)
	httpHandler.RegisterRoutes(router)

	// Add health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// Operating system signal handling
	go func() {
		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-stopChan
		logger.Logger.Info("Received system signal. Shutting down...", zap.Any("sig", sig))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("HTTP shutdown error", zap.Error(err))
		}

		// Reject pending lock requests and drop active locks before exit
		writer.Close()
		os.Exit(0)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, _ := errgroup.WithContext(ctx)

	logger.Logger.Info("Starting service", zap.Any("version", version.GetDaemonVersionInfo()))
	group.Go(func() error {
		logger.Logger.Info("HTTP server listening at", zap.String("addr", lis.Addr().String()))
		return httpServer.Serve(lis)
	})

	// Wait for service to exit
	if err := group.Wait(); err != nil && err != http.ErrServerClosed {
		logger.Logger.Error("Server error", zap.Error(err))
	}
}
