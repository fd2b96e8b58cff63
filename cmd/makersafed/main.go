package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/config"
	"github.com/justinsiek/Maker-Safe/internal/api"
	"github.com/justinsiek/Maker-Safe/internal/dashboard"
	"github.com/justinsiek/Maker-Safe/internal/db"
	"github.com/justinsiek/Maker-Safe/internal/logger"
	"github.com/justinsiek/Maker-Safe/internal/metrics"
	"github.com/justinsiek/Maker-Safe/internal/notification"
	"github.com/justinsiek/Maker-Safe/internal/source"
	"github.com/justinsiek/Maker-Safe/internal/store"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	zl, err := logger.New(&cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()
	zl.Info("configuration loaded", zap.String("path", configPath))

	m := metrics.New("makersafe")

	// Initialize database
	gormDB, err := db.Init(&cfg.Database, zl.Named("db"))
	if err != nil {
		zl.Fatal("failed to initialize database", zap.Error(err))
	}
	appStore := store.NewGormStore(gormDB, zl.Named("store"))

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var webpushOptions *webpush.Options
	opts := dashboard.Options{
		Recorder:       appStore,
		Metrics:        m,
		Logger:         zl.Named("dashboard"),
		Location:       cfg.Dashboard.Location,
		ReconnectDelay: cfg.Source.ReconnectDelay,
	}
	if cfg.Push.Enabled {
		if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
			zl.Fatal("push is enabled but VAPID keys are not configured")
		}
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, gormDB, webpushOptions, zl.Named("alerts"), m)
		pool.Start(ctx)
		opts.Alerter = pool
		zl.Info("alert worker pool started", zap.Int("workers", cfg.WorkerPool.Size))
	}

	client := source.NewClient(cfg.Source, zl.Named("source"))
	manager := dashboard.NewManager(client, opts)
	manager.Start(ctx)

	// Initialize router
	router := api.NewRouter(&cfg.Server, appStore, manager, webpushOptions, zl.Named("http"), m)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
		// Request contexts derive from ctx so open SSE streams end on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Start the server in a goroutine
	go func() {
		zl.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("HTTP server ListenAndServe", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	zl.Info("shutdown signal received, stopping services")

	cancel()
	manager.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("HTTP server Shutdown", zap.Error(err))
	}

	zl.Info("server gracefully stopped")
}
