// Package queue implements the render job service: job creation with a
// cache-hit fast path, status and history queries, and the single worker
// loop that drives renders through the inference backend one at a time.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundscene/live2d-render-api/internal/comfy"
	"github.com/soundscene/live2d-render-api/internal/job"
	"github.com/soundscene/live2d-render-api/internal/storage"
)

// queueCapacity bounds the number of jobs waiting for the single worker.
const queueCapacity = 256

// Archiver mirrors a finished cache entry to remote storage. Optional;
// failures are logged and never fail the job.
type Archiver interface {
	ArchiveRenderDir(ctx context.Context, cacheKey, renderDir string) error
}

// Settings are the operational knobs the service needs.
type Settings struct {
	APIPrefix       string
	WorkflowVersion string
	RenderPreset    string
	EstimatedJobSec int
}

// CreateRequest describes a render to create.
type CreateRequest struct {
	TrackID        string
	AlbumID        string
	Title          string
	Artist         string
	AlbumArtURL    string
	YouTubeVideoID string
}

// CreateResponse is the outcome of job creation.
type CreateResponse struct {
	JobID    string
	Status   job.Status
	CacheHit bool
	PollURL  string
}

// JobStatus is a snapshot of a job augmented with its queue placement.
type JobStatus struct {
	Record           *job.Record
	QueuePosition    int
	EstimatedWaitSec int
}

// Service owns the FIFO queue and the jobs it feeds to the worker.
type Service struct {
	settings Settings
	store    *job.Store
	storage  *storage.Storage
	renderer comfy.Renderer
	archiver Archiver
	logger   *slog.Logger

	queue chan string

	// pending mirrors the channel contents so queue positions can be
	// computed without draining it.
	pendingMu sync.Mutex
	pending   []string
}

// Option configures a Service.
type Option func(*Service)

// WithArchiver enables best-effort mirroring of completed renders.
func WithArchiver(a Archiver) Option {
	return func(s *Service) {
		s.archiver = a
	}
}

// NewService creates the render queue service.
func NewService(settings Settings, store *job.Store, st *storage.Storage, renderer comfy.Renderer, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		settings: settings,
		store:    store,
		storage:  st,
		renderer: renderer,
		logger:   logger,
		queue:    make(chan string, queueCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob fetches the album art, derives the cache key, and either
// returns a synthetic completed job on a cache hit or stages the input and
// enqueues a new job for the worker.
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	artBytes, ext, err := s.storage.DownloadAlbumArt(ctx, req.AlbumArtURL)
	if err != nil {
		return CreateResponse{}, err
	}

	cacheKey := storage.ComputeCacheKey(artBytes, s.settings.WorkflowVersion, s.settings.RenderPreset, req.AlbumID)
	track := job.Track{
		TrackID:        req.TrackID,
		Title:          req.Title,
		Artist:         req.Artist,
		AlbumID:        req.AlbumID,
		AlbumArtURL:    req.AlbumArtURL,
		YouTubeVideoID: req.YouTubeVideoID,
	}

	if s.storage.CacheExists(cacheKey) {
		return s.createCacheHitJob(cacheKey, track)
	}

	imageFilename, err := s.storage.PersistAlbumArt(artBytes, cacheKey, ext)
	if err != nil {
		return CreateResponse{}, err
	}

	jobID := uuid.NewString()
	now := job.Now()
	record := &job.Record{
		JobID:         jobID,
		Status:        job.StatusQueued,
		Phase:         job.PhaseQueued,
		Progress:      job.PhaseProgress[job.PhaseQueued],
		Track:         track,
		Result:        job.Result{CacheKey: cacheKey},
		CacheKey:      cacheKey,
		ImageFilename: imageFilename,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Upsert(record); err != nil {
		return CreateResponse{}, err
	}
	s.enqueue(jobID)

	s.logger.Info("render job queued",
		slog.String("job_id", jobID),
		slog.String("cache_key", cacheKey),
		slog.String("track_id", req.TrackID),
	)

	return CreateResponse{
		JobID:    jobID,
		Status:   job.StatusQueued,
		CacheHit: false,
		PollURL:  s.pollURL(jobID),
	}, nil
}

// createCacheHitJob records a completed job without involving the worker.
// No input is staged, so the image filename stays empty.
func (s *Service) createCacheHitJob(cacheKey string, track job.Track) (CreateResponse, error) {
	jobID := uuid.NewString()
	videoURL, thumbURL := storage.ResultURLs(cacheKey)
	now := job.Now()
	record := &job.Record{
		JobID:     jobID,
		Status:    job.StatusCompleted,
		Phase:     job.PhaseDone,
		Progress:  job.PhaseProgress[job.PhaseDone],
		Track:     track,
		Result:    job.Result{VideoURL: videoURL, ThumbnailURL: thumbURL, CacheKey: cacheKey},
		CacheKey:  cacheKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Upsert(record); err != nil {
		return CreateResponse{}, err
	}

	s.logger.Info("render served from cache",
		slog.String("job_id", jobID),
		slog.String("cache_key", cacheKey),
	)

	return CreateResponse{
		JobID:    jobID,
		Status:   job.StatusCompleted,
		CacheHit: true,
		PollURL:  s.pollURL(jobID),
	}, nil
}

func (s *Service) pollURL(jobID string) string {
	return s.settings.APIPrefix + "/renders/" + jobID
}

// GetJob returns a snapshot of the job with its queue placement.
func (s *Service) GetJob(jobID string) (JobStatus, bool) {
	record, ok := s.store.Get(jobID)
	if !ok {
		return JobStatus{}, false
	}

	position := 0
	wait := 0
	if record.Status == job.StatusQueued {
		position = s.queuePosition(jobID)
		wait = position * s.settings.EstimatedJobSec
		if wait < 0 {
			wait = 0
		}
	}

	return JobStatus{
		Record:           record,
		QueuePosition:    position,
		EstimatedWaitSec: wait,
	}, true
}

// ListHistory returns completed (and optionally failed) jobs, newest first
// by update time, truncated to limit.
func (s *Service) ListHistory(limit int, includeFailed bool) []*job.Record {
	records := s.store.List()

	filtered := records[:0]
	for _, record := range records {
		if record.Status == job.StatusCompleted || (includeFailed && record.Status == job.StatusFailed) {
			filtered = append(filtered, record)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		ui, uj := job.ParseTimestamp(filtered[i].UpdatedAt), job.ParseTimestamp(filtered[j].UpdatedAt)
		if !ui.Equal(uj) {
			return ui.After(uj)
		}
		return job.ParseTimestamp(filtered[i].CreatedAt).After(job.ParseTimestamp(filtered[j].CreatedAt))
	})

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// ClearHistory removes completed (and optionally failed) jobs along with
// their documents. Queued and processing jobs are untouched.
func (s *Service) ClearHistory(includeFailed bool) (int, error) {
	deleted := 0
	for _, record := range s.store.List() {
		if record.Status != job.StatusCompleted && !(includeFailed && record.Status == job.StatusFailed) {
			continue
		}
		if err := s.store.Delete(record.JobID); err != nil {
			s.logger.Warn("failed to delete job from history",
				slog.String("job_id", record.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *Service) enqueue(jobID string) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, jobID)
	s.pendingMu.Unlock()
	s.queue <- jobID
}

func (s *Service) dequeued(jobID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for i, id := range s.pending {
		if id == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// queuePosition returns the 1-based position among waiting jobs. A queued
// job missing from the snapshot (already handed to the worker but not yet
// transitioned) reports position 1.
func (s *Service) queuePosition(jobID string) int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for i, id := range s.pending {
		if id == jobID {
			return i + 1
		}
	}
	return 1
}

// Run is the worker loop. Exactly one invocation must be active; it
// serializes renders, survives per-job failures, and exits when the context
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("render worker started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("render worker stopped")
			return ctx.Err()
		case jobID := <-s.queue:
			s.dequeued(jobID)
			s.process(ctx, jobID)
		}
	}
}

// process drives one job through the phase sequence. Taxonomy errors from
// the renderer keep their code; anything else is surfaced as a backend
// transport failure.
func (s *Service) process(ctx context.Context, jobID string) {
	s.updatePhase(jobID, job.PhasePreparing)

	record, ok := s.store.Get(jobID)
	if !ok || record.CacheKey == "" || record.ImageFilename == "" {
		s.failJob(jobID, comfy.CodeOutputNotFound, "missing cache key or image file")
		return
	}

	renderDir, err := s.storage.EnsureRenderDir(record.CacheKey)
	if err != nil {
		s.failJob(jobID, comfy.CodeHTTPError, err.Error())
		return
	}

	start := time.Now()
	videoPath, thumbPath, err := s.renderer.Render(ctx, record.ImageFilename, record.CacheKey, renderDir,
		func(phase string) { s.updatePhase(jobID, job.Phase(phase)) },
		func(ratio float64) { s.updateSampling(jobID, ratio) },
	)
	if err != nil {
		if ce, ok := comfy.AsError(err); ok {
			s.failJob(jobID, ce.Code, ce.Message)
		} else {
			s.failJob(jobID, comfy.CodeHTTPError, err.Error())
		}
		return
	}

	meta := storage.Meta{
		Track:           record.Track,
		CacheKey:        record.CacheKey,
		VideoPath:       videoPath,
		ThumbPath:       thumbPath,
		ElapsedSec:      time.Since(start).Round(10 * time.Millisecond).Seconds(),
		WorkflowVersion: s.settings.WorkflowVersion,
		RenderPreset:    s.settings.RenderPreset,
		CreatedAt:       job.Now(),
	}
	if err := s.storage.WriteMeta(record.CacheKey, meta); err != nil {
		s.failJob(jobID, comfy.CodeHTTPError, err.Error())
		return
	}

	s.completeJob(jobID, record.CacheKey)

	if s.archiver != nil {
		if err := s.archiver.ArchiveRenderDir(ctx, record.CacheKey, renderDir); err != nil {
			s.logger.Warn("failed to archive render",
				slog.String("job_id", jobID),
				slog.String("cache_key", record.CacheKey),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("render job completed",
		slog.String("job_id", jobID),
		slog.String("cache_key", record.CacheKey),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func (s *Service) updatePhase(jobID string, phase job.Phase) {
	_, err := s.store.Mutate(jobID, func(r *job.Record) bool {
		r.ApplyPhase(phase, job.Now())
		return true
	})
	if err != nil {
		s.logger.Warn("failed to update job phase",
			slog.String("job_id", jobID),
			slog.String("phase", string(phase)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) updateSampling(jobID string, ratio float64) {
	_, err := s.store.Mutate(jobID, func(r *job.Record) bool {
		return r.ApplySampling(ratio, job.Now())
	})
	if err != nil {
		s.logger.Warn("failed to update sampling progress",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) completeJob(jobID, cacheKey string) {
	videoURL, thumbURL := storage.ResultURLs(cacheKey)
	_, err := s.store.Mutate(jobID, func(r *job.Record) bool {
		r.Complete(videoURL, thumbURL, cacheKey, job.Now())
		return true
	})
	if err != nil {
		s.logger.Warn("failed to complete job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) failJob(jobID, code, message string) {
	_, err := s.store.Mutate(jobID, func(r *job.Record) bool {
		r.Fail(code, message, job.Now())
		return true
	})
	if err != nil {
		s.logger.Warn("failed to mark job as failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Error("render job failed",
		slog.String("job_id", jobID),
		slog.String("code", code),
		slog.String("message", message),
	)
}
