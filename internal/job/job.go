// Package job provides the render job record, the coarse phase/progress
// model, and the Store that mirrors every job to a JSON document on disk.
package job

import (
	"time"
)

// Status represents the lifecycle state of a render job.
type Status string

const (
	// StatusQueued indicates the job is waiting in the FIFO queue.
	StatusQueued Status = "queued"
	// StatusProcessing indicates the worker is rendering the job.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the render finished and the cache entry exists.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job terminated with an error.
	StatusFailed Status = "failed"
)

// Phase is the coarse worker stage surfaced to clients.
type Phase string

const (
	PhaseQueued         Phase = "queued"
	PhasePreparing      Phase = "preparing"
	PhasePrompting      Phase = "prompting"
	PhaseSampling       Phase = "sampling"
	PhaseAssembling     Phase = "assembling"
	PhasePostprocessing Phase = "postprocessing"
	PhaseDone           Phase = "done"
	PhaseError          Phase = "error"
)

// PhaseProgress maps each phase to its progress floor.
var PhaseProgress = map[Phase]int{
	PhaseQueued:         0,
	PhasePreparing:      10,
	PhasePrompting:      25,
	PhaseSampling:       70,
	PhaseAssembling:     90,
	PhasePostprocessing: 95,
	PhaseDone:           100,
	PhaseError:          100,
}

// Track carries the descriptive attributes of the rendered track. The core
// treats it as opaque; it is echoed back to clients and into meta documents.
type Track struct {
	TrackID        string `json:"track_id"`
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	AlbumID        string `json:"album_id,omitempty"`
	AlbumArtURL    string `json:"album_art_url,omitempty"`
	YouTubeVideoID string `json:"youtube_video_id,omitempty"`
}

// Result holds the output locations of a completed render.
type Result struct {
	VideoURL     string `json:"video_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	CacheKey     string `json:"cache_key,omitempty"`
}

// Error holds the terminal failure of a job.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Record is a render job. It is the unit persisted as
// <jobs_dir>/<job_id>.json; every mutation is written through before it
// becomes visible to other callers.
type Record struct {
	JobID         string `json:"job_id"`
	Status        Status `json:"status"`
	Phase         Phase  `json:"phase"`
	Progress      int    `json:"progress"`
	Track         Track  `json:"track"`
	Result        Result `json:"result"`
	Error         Error  `json:"error"`
	CacheKey      string `json:"cache_key,omitempty"`
	ImageFilename string `json:"image_filename,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Clone returns a copy safe to hand outside the store's lock.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// IsTerminal returns true once the job can no longer change.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Now returns the current UTC time in the ISO-8601 form used by job
// documents and meta files.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp converts a stored timestamp to a comparable instant.
// Unparseable values sort first.
func ParseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
