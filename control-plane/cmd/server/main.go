// Command server runs the RF range control plane.
//
// # Usage
//
//	server --port 8080 --data-dir /var/lib/rfrange
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (RFRANGE_*)
//
// Secrets (database URL, Redis URL, admin credential hash) come from the
// configured secret source: 1Password Connect when available, environment
// variables otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldsignal/rf-range/control-plane/internal/api"
	"github.com/fieldsignal/rf-range/control-plane/internal/auth"
	"github.com/fieldsignal/rf-range/control-plane/internal/cache"
	"github.com/fieldsignal/rf-range/control-plane/internal/coordinator"
	"github.com/fieldsignal/rf-range/control-plane/internal/enrollment"
	"github.com/fieldsignal/rf-range/control-plane/internal/events"
	"github.com/fieldsignal/rf-range/control-plane/internal/metrics"
	"github.com/fieldsignal/rf-range/control-plane/internal/push"
	"github.com/fieldsignal/rf-range/control-plane/internal/registry"
	"github.com/fieldsignal/rf-range/control-plane/internal/scheduler"
	"github.com/fieldsignal/rf-range/control-plane/internal/secrets"
	"github.com/fieldsignal/rf-range/control-plane/internal/store"
	"github.com/fieldsignal/rf-range/control-plane/internal/worker"
	"github.com/fieldsignal/rf-range/db/migrate"
)

func main() {
	var (
		port    = flag.Int("port", 8080, "HTTP server port")
		dataDir = flag.String("data-dir", "./data", "Directory for recording uploads")
		debug   = flag.Bool("debug", false, "Enable debug logging")
		version = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("rfrange-server v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if err := run(logger, *port, *dataDir); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, port int, dataDir string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolve secrets once at startup.
	source, err := secrets.NewSource(secrets.ConfigFromEnv(), logger)
	if err != nil {
		return fmt.Errorf("initializing secret source: %w", err)
	}
	defer source.Close()

	dbURL, err := secrets.MustGet(ctx, source, secrets.SecretDatabaseURL)
	if err != nil {
		return err
	}
	redisURL, _ := source.Get(ctx, secrets.SecretRedisURL)
	adminHash, _ := source.Get(ctx, secrets.SecretAdminCredentialHash)

	// Database
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()

	db, err := store.NewStoreFromURL(connectCtx, dbURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(connectCtx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Optional Redis response cache. The server runs fine without it.
	var responseCache *cache.Cache
	if redisURL != "" {
		responseCache, err = cache.New(redisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, caching disabled", "error", err)
		} else {
			defer responseCache.Close()
		}
	}

	if adminHash == "" {
		logger.Warn("no admin credential configured, admin API is locked out")
	}

	// Services
	broadcaster := events.NewBroadcaster(logger)
	hub := push.NewHub(logger)
	reg := registry.NewService(db, hub, broadcaster, logger)
	sched := scheduler.NewService(db, broadcaster, logger)
	coord := coordinator.New(db, sched, hub, broadcaster, coordinator.DefaultConfig(), logger)
	reg.SetTransmissionCanceller(coord)
	enroll := enrollment.NewService(db, broadcaster, logger)
	sessions := auth.NewSessions(adminHash, logger)
	collector := metrics.NewCollector(db)

	apiServer := api.NewServer(api.Deps{
		Registry:    reg,
		Coordinator: coord,
		Enrollment:  enroll,
		Sessions:    sessions,
		Store:       db,
		Hub:         hub,
		Events:      broadcaster,
		Cache:       responseCache,
		Collector:   collector,
		DataDir:     dataDir,
	}, logger)

	// Background workers
	sweep := worker.NewSweepWorker(reg, worker.DefaultSweepWorkerConfig(), logger)
	sweep.Start(ctx)
	defer sweep.Stop()

	revive := worker.NewReviveWorker(sched, worker.DefaultReviveWorkerConfig(), logger)
	revive.Start(ctx)
	defer revive.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event stream and websocket endpoints are long-lived
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", port, "data_dir", dataDir)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
