package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/hearthly/calsync/internal/auth"
	"github.com/hearthly/calsync/internal/scheduler"
	"github.com/hearthly/calsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the sync scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.WithField("version", rootCmd.Version).Info("Starting calsync")

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	sched := scheduler.New(a.db, a.engine, scheduler.Config{
		Workers:       cfg.Sync.Workers,
		Tick:          cfg.Sync.SchedulerTick,
		RetentionDays: cfg.Sync.LogRetentionDays,
	}, logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	sessionManager := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction())
	handlers := web.NewHandlers(cfg, a.db, a.registry, sched, a.tracker, a.notifier, a.metrics, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger(logger))
	router.Use(web.SecurityHeaders())
	web.SetupRoutes(router, handlers, sessionManager, cfg.RateLimiting)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: readTimeout,
		// Manual syncs answer once the sync is done
		WriteTimeout: cfg.Sync.LeaseTimeout + 10*time.Second,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serverErr:
		sched.Stop()
		return fmt.Errorf("server error: %w", err)
	}

	// Drain HTTP first so in-flight manual syncs finish before the scheduler
	// cancels everything it owns
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}

	sched.Stop()
	logger.Info("Server stopped")
	return nil
}
