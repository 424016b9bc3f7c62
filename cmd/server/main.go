// Package main provides the entry point for the render API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soundscene/live2d-render-api/internal/bootstrap"
	"github.com/soundscene/live2d-render-api/internal/config"
	"github.com/soundscene/live2d-render-api/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting render API",
		slog.Int("port", cfg.Port),
		slog.String("api_prefix", cfg.APIPrefix),
		slog.String("data_dir", cfg.DataDir),
		slog.String("comfy_base_url", cfg.ComfyBaseURL),
		slog.String("workflow_version", cfg.WorkflowVersion),
		slog.String("render_preset", cfg.RenderPreset),
		slog.Int("render_timeout_sec", cfg.RenderTimeoutSec),
		slog.Bool("s3_archive_enabled", cfg.S3Enabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	handlers := server.NewHandlers(app.Queue, logger)
	router := server.NewRouter(handlers, logger, server.Config{
		APIPrefix:      cfg.APIPrefix,
		StaticDir:      cfg.DataDir,
		AllowedOrigins: []string{"*"},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Allow for large video downloads
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Single render worker; serializes all jobs.
	g.Go(func() error {
		if err := app.Queue.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("worker failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Info("shutting down server...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped gracefully")
	return nil
}
