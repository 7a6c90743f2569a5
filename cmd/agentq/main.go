// Package main runs the agentq queue service: a priority-aware,
// concurrency-bounded run scheduler with persistence, streaming and a
// REST + WebSocket surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentq/agentq/internal/api"
	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/common/tracing"
	"github.com/agentq/agentq/internal/executor"
	"github.com/agentq/agentq/internal/manager"
	"github.com/agentq/agentq/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentq...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The executor behind the queue is pluggable; the built-in mock
	// echoes input and exists for local development and testing.
	// Production deployments wire a real agent executor here.
	exec := executor.NewMock()

	mgr, err := manager.New(ctx, cfg, exec, log)
	if err != nil {
		log.Fatal("Failed to build queue manager", zap.Error(err))
	}
	if err := mgr.Start(ctx, true); err != nil {
		log.Fatal("Failed to start queue manager", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.CORSMiddleware())
	router.Use(api.RequestID())
	router.Use(api.Tracing())
	router.Use(api.RequestLogger(log))

	api.SetupRoutes(router, mgr, log)
	streaming.NewHub(mgr, log).SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("api", "/api/v1"),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	log.Info("Shutting down agentq...")
	if err := mgr.Stop(); err != nil {
		log.Error("Queue manager stop error", zap.Error(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentq stopped")
}
