// Package main is the entry point for the SpectraFlow server. The same
// binary runs the controller (HTTP server) and, re-executed with -role, the
// instrument and analyser worker processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spectraflow/server/internal/api"
	"github.com/spectraflow/server/internal/cache"
	"github.com/spectraflow/server/internal/cmpstore"
	"github.com/spectraflow/server/internal/config"
	"github.com/spectraflow/server/internal/controller"
	"github.com/spectraflow/server/internal/notify"
	"github.com/spectraflow/server/internal/render"
	"github.com/spectraflow/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	role := flag.String("role", "controller", "Process role: controller, instrument or analyser")
	traces := flag.String("traces", "", "Shared memory name of the trace ring (worker roles)")
	events := flag.String("events", "", "Shared memory name of the event ring (worker roles)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *role != "controller" {
		runWorker(*role, *cfg, *traces, *events)
		return
	}
	runController(*cfg, *configPath)
}

// runWorker serves the command protocol on stdin/stdout. stdout carries
// replies, so logs go to stderr.
func runWorker(role string, cfg config.Config, traces, events string) {
	log.SetOutput(os.Stderr)
	log.SetPrefix("[" + role + "] ")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controller.RunWorker(ctx, role, cfg, traces, events, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}

func runController(cfg config.Config, configPath string) {
	log.Printf("Starting SpectraFlow server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		PlotCacheSizeMB: cfg.Cache.PlotSizeMB,
		PlotTTL:         cfg.Cache.PlotTTL(),
		ScaleCacheSize:  cfg.Cache.ScaleCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Comparison jobs and sessions (SQLite persistence)
	store, err := cmpstore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open comparison store: %v", err)
	}

	bus := notify.NewBus()
	ctrl, err := controller.New(cfg, bus, cacheManager, controller.Options{
		ConfigPath: configPath,
		References: store,
	})
	if err != nil {
		log.Fatalf("Failed to initialize controller: %v", err)
	}
	log.Printf("Channels: %d raw, %d unmixed (process mode %s, samples in %s)",
		len(ctrl.SampleChannels()), len(ctrl.Unmixing().Fluorophores), cfg.Acquisition.ProcessMode, cfg.Samples.Dir)

	renderer := render.NewRenderer(render.Config{
		Size:            cfg.Render.PlotSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	comparisons := service.NewComparisonService(ctrl)
	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Store.MaxConcurrentJobs,
		RetentionDays: cfg.Store.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	}, store)
	jobManager.Executor = comparisons.ExecuteJob
	jobManager.Validate = comparisons.ValidateParams
	log.Printf("Comparison job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Store.MaxConcurrentJobs, cfg.Store.RetentionDays, cfg.Store.SQLitePath)

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Controller:  ctrl,
		Registry:    api.NewSampleRegistry(cfg.Samples.Dir, cfg.Server.Title),
		Plots:       service.NewPlotService(ctrl, cacheManager, renderer),
		Sessions:    service.NewSessionService(ctrl, store),
		JobManager:  jobManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server. No write timeout: /api/events streams, and its
	// requests end when the base context is cancelled on shutdown.
	baseCtx, cancelBase := context.WithCancel(ctx)
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancelBase)

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := ctrl.Close(); err != nil {
		log.Printf("Failed to stop acquisition: %v", err)
	}

	log.Println("Server stopped")
}
