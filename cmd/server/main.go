/*
main.go - Application entry point

PURPOSE:
  Loads the scenario control file and serves the evacuation survey.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Read environment configuration, then apply command-line flags
  2. Load and validate the control file (fatal on any problem)
  3. Open the session log store (files or SQLite)
  4. Choose the results sink (email, or disabled without credentials)
  5. Configure the HTTP router (admin routes only with a token) and
     start the delivery retrier
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (overrides EVAC_PORT)
  -control  Scenario control file (overrides EVAC_CONTROL_FILE)
  -store    Log store, "file" or "sqlite" (overrides EVAC_STORE)

ENVIRONMENT:
  See config/config.go. SMTP credentials are only read from the
  environment.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the retrier and close the store
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - survey/controller.go: Session state machine
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/evac-survey/api"
	"github.com/warp/evac-survey/config"
	"github.com/warp/evac-survey/eventlog"
	"github.com/warp/evac-survey/eventlog/store"
	"github.com/warp/evac-survey/logging"
	"github.com/warp/evac-survey/metrics"
	"github.com/warp/evac-survey/notify"
	"github.com/warp/evac-survey/scenario"
	"github.com/warp/evac-survey/store/sqlite"
	"github.com/warp/evac-survey/survey"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to read configuration: %v", err)
	}

	// Flags
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.ControlFile, "control", cfg.ControlFile, "Scenario control file")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "Log store: file or sqlite")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx := context.Background()

	// Scenario
	scn, err := scenario.Load(cfg.ControlFile)
	if err != nil {
		log.Fatalf("Failed to load control file: %v", err)
	}
	for _, w := range scn.Warnings {
		logger.Warn(ctx, "control file warning", logging.String("warning", w))
	}

	// Log store
	logStore, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open log store: %v", err)
	}
	defer closeStore()

	// Results sink
	var sink notify.Sink = notify.Disabled{}
	if cfg.SMTP.Enabled() {
		email, err := notify.NewEmailSink(cfg.SMTP)
		if err != nil {
			log.Fatalf("Failed to configure email: %v", err)
		}
		sink = email
	} else {
		logger.Warn(ctx, "SMTP credentials not set, results will not be emailed")
	}

	collector, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	// Controller and handler
	ctrl := survey.NewController(scn, logStore, sink)
	ctrl.ReplyDelay = cfg.SocialReplyDelay
	ctrl.MaxDeliveryAttempts = cfg.DeliveryMaxAttempts
	ctrl.Logger = logger
	ctrl.Metrics = collector
	handler := api.NewHandler(ctrl)

	retrier := api.NewDeliveryRetrier(handler, logger)
	retrier.CheckInterval = cfg.DeliveryRetryInterval
	retrier.Retention = cfg.SessionRetention
	// Without SMTP there is nothing to retry; the pass only evicts.
	retrier.Redeliver = cfg.SMTP.Enabled()
	retrier.Start()
	defer retrier.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        collector.Handler(),
		StaticDir:      "./web/dist",
		AdminToken:     cfg.AdminToken,
	})
	if cfg.AdminToken == "" {
		logger.Info(ctx, "EVAC_ADMIN_TOKEN not set, saved-log routes are disabled")
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Survey %q starting on http://localhost:%d", scn.Title, cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func openStore(cfg config.Config) (eventlog.Store, func(), error) {
	switch strings.ToLower(cfg.Store) {
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, err
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
			return nil, nil, err
		}
		return store.NewFiles(cfg.ResultsDir), func() {}, nil
	}
}
