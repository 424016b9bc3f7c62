// Package storage owns the content-addressed filesystem layout for render
// inputs, rendered outputs, and per-job JSON documents. It also derives the
// deterministic cache key that identifies a render.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Layout names inside a cache entry directory.
const (
	VideoFileName = "video.mp4"
	ThumbFileName = "thumb.jpg"
	MetaFileName  = "meta.json"
)

// Storage manages the data directories and the external ComfyUI input
// directory into which staged images are mirrored.
type Storage struct {
	inputsDir     string
	rendersDir    string
	jobsDir       string
	comfyInputDir string
	httpClient    *http.Client
}

// Option configures a Storage instance.
type Option func(*Storage)

// WithHTTPClient sets a custom HTTP client for album art downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Storage) {
		s.httpClient = c
	}
}

// New creates a Storage rooted at dataDir and ensures all directories exist,
// including the ComfyUI input directory the backend reads staged images from.
func New(dataDir, comfyInputDir string, opts ...Option) (*Storage, error) {
	s := &Storage{
		inputsDir:     filepath.Join(dataDir, "inputs"),
		rendersDir:    filepath.Join(dataDir, "renders"),
		jobsDir:       filepath.Join(dataDir, "jobs"),
		comfyInputDir: comfyInputDir,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.inputsDir, s.rendersDir, s.jobsDir, s.comfyInputDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return s, nil
}

// ComputeCacheKey derives the deterministic digest identifying a render.
// When the caller supplies a stable album identity, the identity replaces the
// raw artwork bytes so that different encodings of the same artwork collapse
// to a single cache entry. The workflow version and render preset always feed
// the digest so a workflow change invalidates the cache.
func ComputeCacheKey(albumArt []byte, workflowVersion, renderPreset, albumIdentity string) string {
	digest := sha256.New()
	if albumIdentity != "" {
		digest.Write([]byte("album:" + albumIdentity))
	} else {
		digest.Write(albumArt)
	}
	digest.Write([]byte(workflowVersion))
	digest.Write([]byte(renderPreset))
	return hex.EncodeToString(digest.Sum(nil))
}

// RenderDir returns the cache entry directory for a cache key.
func (s *Storage) RenderDir(cacheKey string) string {
	return filepath.Join(s.rendersDir, cacheKey)
}

// EnsureRenderDir creates the cache entry directory if needed.
func (s *Storage) EnsureRenderDir(cacheKey string) (string, error) {
	dir := s.RenderDir(cacheKey)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create render directory: %w", err)
	}
	return dir, nil
}

// CacheExists reports whether a completed cache entry exists for the key.
// Presence of both the video file and the meta document constitutes a hit;
// a directory holding only a partial download does not.
func (s *Storage) CacheExists(cacheKey string) bool {
	dir := s.RenderDir(cacheKey)
	if _, err := os.Stat(filepath.Join(dir, VideoFileName)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, MetaFileName)); err != nil {
		return false
	}
	return true
}

// ResultURLs returns the static URLs for a cache entry's video and thumbnail.
func ResultURLs(cacheKey string) (videoURL, thumbURL string) {
	return "/static/renders/" + cacheKey + "/" + VideoFileName,
		"/static/renders/" + cacheKey + "/" + ThumbFileName
}

// DownloadAlbumArt fetches artwork bytes from a URL and derives a file
// extension from the response Content-Type.
func (s *Storage) DownloadAlbumArt(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create album art request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download album art: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download album art: unexpected status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read album art body: %w", err)
	}

	return content, extensionForContentType(resp.Header.Get("Content-Type")), nil
}

// extensionForContentType maps an image Content-Type to a file extension.
// Unknown types default to .jpg; the backend only cares that the staged file
// carries a plausible image extension.
func extensionForContentType(contentType string) string {
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	default:
		return ".jpg"
	}
}

// PersistAlbumArt writes the artwork under the inputs directory and mirrors
// it into the ComfyUI input directory so the backend can reference it by
// filename. The returned filename is a pure name, not a path.
func (s *Storage) PersistAlbumArt(content []byte, cacheKey, ext string) (string, error) {
	filename := "album_" + cacheKey + ext

	localPath := filepath.Join(s.inputsDir, filename)
	if err := os.WriteFile(localPath, content, 0600); err != nil {
		return "", fmt.Errorf("write album art: %w", err)
	}

	comfyPath := filepath.Join(s.comfyInputDir, filename)
	if err := os.WriteFile(comfyPath, content, 0600); err != nil {
		return "", fmt.Errorf("mirror album art to comfy input: %w", err)
	}

	return filename, nil
}

// Meta is the document written next to a finished render.
type Meta struct {
	Track           any     `json:"track"`
	CacheKey        string  `json:"cache_key"`
	VideoPath       string  `json:"video_path"`
	ThumbPath       string  `json:"thumb_path"`
	ElapsedSec      float64 `json:"elapsed_sec"`
	WorkflowVersion string  `json:"workflow_version"`
	RenderPreset    string  `json:"render_preset"`
	CreatedAt       string  `json:"created_at"`
}

// WriteMeta writes the meta document into the cache entry directory.
func (s *Storage) WriteMeta(cacheKey string, meta Meta) error {
	dir, err := s.EnsureRenderDir(cacheKey)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, MetaFileName), data, 0600); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// WriteJob persists a job document as <jobs_dir>/<job_id>.json.
func (s *Storage) WriteJob(jobID string, data []byte) error {
	path := filepath.Join(s.jobsDir, jobID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write job document: %w", err)
	}
	return nil
}

// DeleteJob removes a job document. Missing documents are not an error.
func (s *Storage) DeleteJob(jobID string) error {
	path := filepath.Join(s.jobsDir, jobID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete job document: %w", err)
	}
	return nil
}

// LoadJobs reads every job document from disk keyed by job ID. Files that
// are not valid JSON objects are skipped.
func (s *Storage) LoadJobs() (map[string][]byte, error) {
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return nil, fmt.Errorf("read jobs directory: %w", err)
	}

	jobs := make(map[string][]byte)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.jobsDir, name)) // #nosec G304 - path is inside the jobs dir
		if err != nil {
			continue
		}
		if !json.Valid(data) {
			continue
		}

		jobs[strings.TrimSuffix(name, ".json")] = data
	}

	return jobs, nil
}
