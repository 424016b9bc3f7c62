// Package server provides the HTTP surface for the render API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "github.com/soundscene/live2d-render-api/internal/job"

// CreateRenderRequest is the HTTP request body for creating a render job.
type CreateRenderRequest struct {
	// TrackID identifies the track being rendered.
	TrackID string `json:"track_id" validate:"required"`
	// AlbumID is an optional stable album identity; when present it keys the cache.
	AlbumID string `json:"album_id,omitempty"`
	// Title is the track title.
	Title string `json:"title" validate:"required"`
	// Artist is the track artist.
	Artist string `json:"artist" validate:"required"`
	// AlbumArtURL is where the artwork is fetched from.
	AlbumArtURL string `json:"album_art_url" validate:"required,url"`
	// YouTubeVideoID is an optional associated video.
	YouTubeVideoID string `json:"youtube_video_id,omitempty"`
}

// CreateRenderResponse is returned with 202 Accepted on job creation.
type CreateRenderResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	CacheHit bool   `json:"cache_hit"`
	PollURL  string `json:"poll_url"`
}

// RenderTrackInfo is the track subset echoed in status responses.
type RenderTrackInfo struct {
	TrackID string `json:"track_id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
}

// RenderResult holds output locations of a completed render.
type RenderResult struct {
	VideoURL     string `json:"video_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	CacheKey     string `json:"cache_key,omitempty"`
}

// RenderError holds the terminal failure of a job.
type RenderError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// RenderStatusResponse is the full job status returned by GET /renders/{job_id}.
type RenderStatusResponse struct {
	JobID            string          `json:"job_id"`
	Status           string          `json:"status"`
	Phase            string          `json:"phase"`
	Progress         int             `json:"progress"`
	QueuePosition    int             `json:"queue_position"`
	EstimatedWaitSec int             `json:"estimated_wait_sec"`
	Track            RenderTrackInfo `json:"track"`
	Result           RenderResult    `json:"result"`
	Error            RenderError     `json:"error"`
}

// RenderHistoryItem is one entry of the render history listing.
type RenderHistoryItem struct {
	JobID     string       `json:"job_id"`
	Status    string       `json:"status"`
	Track     job.Track    `json:"track"`
	Result    RenderResult `json:"result"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

// RenderHistoryResponse is returned by GET /renders/history.
type RenderHistoryResponse struct {
	Items []RenderHistoryItem `json:"items"`
}

// RenderHistoryClearResponse is returned by DELETE /renders/history.
type RenderHistoryClearResponse struct {
	DeletedCount int `json:"deleted_count"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
