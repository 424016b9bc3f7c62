// Package bootstrap wires all services into a single Application value
// constructed at startup. Handlers and the worker receive their
// dependencies from it by explicit composition.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundscene/live2d-render-api/internal/comfy"
	"github.com/soundscene/live2d-render-api/internal/config"
	"github.com/soundscene/live2d-render-api/internal/job"
	"github.com/soundscene/live2d-render-api/internal/media"
	"github.com/soundscene/live2d-render-api/internal/queue"
	"github.com/soundscene/live2d-render-api/internal/storage"
)

// Application holds every service of the process.
type Application struct {
	Config  *config.Config
	Storage *storage.Storage
	Store   *job.Store
	Queue   *queue.Service
}

// NewApplication creates and wires all services, then runs the startup
// recovery sweep over persisted job documents.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	store, err := storage.New(cfg.DataDir, cfg.ComfyInputDir)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	jobStore := job.NewStore(store, logger)
	if err := jobStore.Recover(); err != nil {
		return nil, fmt.Errorf("recover jobs: %w", err)
	}

	renderer, err := comfy.NewClient(comfy.Config{
		BaseURL:       cfg.ComfyBaseURL,
		WorkflowPath:  cfg.ComfyWorkflowPath,
		RenderTimeout: time.Duration(cfg.RenderTimeoutSec) * time.Second,
		PollInterval:  time.Duration(cfg.PollingIntervalSec) * time.Second,
	}, media.NewFFmpeg(""), logger)
	if err != nil {
		return nil, fmt.Errorf("create comfy client: %w", err)
	}

	var opts []queue.Option
	if cfg.S3Enabled() {
		archive, err := storage.NewS3Archive(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create S3 archive: %w", err)
		}
		opts = append(opts, queue.WithArchiver(archive))
		logger.Info("S3 archive configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
	}

	queueService := queue.NewService(queue.Settings{
		APIPrefix:       cfg.APIPrefix,
		WorkflowVersion: cfg.WorkflowVersion,
		RenderPreset:    cfg.RenderPreset,
		EstimatedJobSec: cfg.EstimatedJobSec,
	}, jobStore, store, renderer, logger, opts...)

	return &Application{
		Config:  cfg,
		Storage: store,
		Store:   jobStore,
		Queue:   queueService,
	}, nil
}
