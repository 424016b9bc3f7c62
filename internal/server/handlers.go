package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/soundscene/live2d-render-api/internal/job"
	"github.com/soundscene/live2d-render-api/internal/queue"
)

// History listings default to the six most recent entries and are capped
// at fifty.
const (
	defaultHistoryLimit = 6
	maxHistoryLimit     = 50
)

// RenderService is what the handlers need from the queue layer.
type RenderService interface {
	CreateJob(ctx context.Context, req queue.CreateRequest) (queue.CreateResponse, error)
	GetJob(jobID string) (queue.JobStatus, bool)
	ListHistory(limit int, includeFailed bool) []*job.Record
	ClearHistory(includeFailed bool) (int, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   RenderService
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service RenderService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET / requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateRender handles POST /renders requests.
func (h *Handlers) CreateRender(w http.ResponseWriter, r *http.Request) {
	var req CreateRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	created, err := h.service.CreateJob(r.Context(), queue.CreateRequest{
		TrackID:        req.TrackID,
		AlbumID:        req.AlbumID,
		Title:          req.Title,
		Artist:         req.Artist,
		AlbumArtURL:    req.AlbumArtURL,
		YouTubeVideoID: req.YouTubeVideoID,
	})
	if err != nil {
		h.logger.Error("failed to create render job",
			slog.String("track_id", req.TrackID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
		return
	}

	writeJSON(w, http.StatusAccepted, CreateRenderResponse{
		JobID:    created.JobID,
		Status:   string(created.Status),
		CacheHit: created.CacheHit,
		PollURL:  created.PollURL,
	})
}

// GetRender handles GET /renders/{job_id} requests.
func (h *Handlers) GetRender(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	status, ok := h.service.GetJob(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}

	record := status.Record
	writeJSON(w, http.StatusOK, RenderStatusResponse{
		JobID:            record.JobID,
		Status:           string(record.Status),
		Phase:            string(record.Phase),
		Progress:         record.Progress,
		QueuePosition:    status.QueuePosition,
		EstimatedWaitSec: status.EstimatedWaitSec,
		Track: RenderTrackInfo{
			TrackID: record.Track.TrackID,
			Title:   record.Track.Title,
			Artist:  record.Track.Artist,
		},
		Result: RenderResult{
			VideoURL:     record.Result.VideoURL,
			ThumbnailURL: record.Result.ThumbnailURL,
			CacheKey:     record.Result.CacheKey,
		},
		Error: RenderError{
			Code:    record.Error.Code,
			Message: record.Error.Message,
		},
	})
}

// GetHistory handles GET /renders/history requests.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_LIMIT")
		return
	}
	includeFailed := parseBool(r.URL.Query().Get("include_failed"))

	records := h.service.ListHistory(limit, includeFailed)
	items := make([]RenderHistoryItem, 0, len(records))
	for _, record := range records {
		track := record.Track
		if track.AlbumArtURL == "" && record.ImageFilename != "" {
			// The staged input doubles as artwork when the upstream URL is gone.
			track.AlbumArtURL = "/static/inputs/" + record.ImageFilename
		}
		items = append(items, RenderHistoryItem{
			JobID:  record.JobID,
			Status: string(record.Status),
			Track:  track,
			Result: RenderResult{
				VideoURL:     record.Result.VideoURL,
				ThumbnailURL: record.Result.ThumbnailURL,
				CacheKey:     record.Result.CacheKey,
			},
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, RenderHistoryResponse{Items: items})
}

// ClearHistory handles DELETE /renders/history requests.
func (h *Handlers) ClearHistory(w http.ResponseWriter, r *http.Request) {
	includeFailed := parseBool(r.URL.Query().Get("include_failed"))

	deleted, err := h.service.ClearHistory(includeFailed)
	if err != nil {
		h.logger.Error("failed to clear history",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to clear history", "HISTORY_CLEAR_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, RenderHistoryClearResponse{DeletedCount: deleted})
}

// errInvalidLimit is returned for out-of-range history limits.
var errInvalidLimit = errors.New("limit must be between 1 and 50")

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		return 0, errInvalidLimit
	}
	return limit, nil
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
