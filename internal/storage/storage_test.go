package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dataDir := t.TempDir()
	comfyDir := filepath.Join(t.TempDir(), "comfy_input")

	s, err := New(dataDir, comfyDir)
	require.NoError(t, err)
	return s
}

func TestNewCreatesDirectories(t *testing.T) {
	dataDir := t.TempDir()
	comfyDir := filepath.Join(t.TempDir(), "comfy_input")

	_, err := New(dataDir, comfyDir)
	require.NoError(t, err)

	for _, dir := range []string{
		filepath.Join(dataDir, "inputs"),
		filepath.Join(dataDir, "renders"),
		filepath.Join(dataDir, "jobs"),
		comfyDir,
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
}

func TestComputeCacheKeyDeterministic(t *testing.T) {
	art := []byte("artwork-bytes")

	k1 := ComputeCacheKey(art, "wf_v1", "mp4_loop", "")
	k2 := ComputeCacheKey(art, "wf_v1", "mp4_loop", "")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, hex.EncodedLen(sha256.Size))

	// Any input change produces a different key.
	assert.NotEqual(t, k1, ComputeCacheKey([]byte("other"), "wf_v1", "mp4_loop", ""))
	assert.NotEqual(t, k1, ComputeCacheKey(art, "wf_v2", "mp4_loop", ""))
	assert.NotEqual(t, k1, ComputeCacheKey(art, "wf_v1", "webm_once", ""))
}

func TestComputeCacheKeyAlbumIdentityOverridesBytes(t *testing.T) {
	// Two different encodings of the same album collapse to one key.
	k1 := ComputeCacheKey([]byte("jpeg bytes"), "wf_v1", "mp4_loop", "album-42")
	k2 := ComputeCacheKey([]byte("png bytes"), "wf_v1", "mp4_loop", "album-42")
	assert.Equal(t, k1, k2)

	// A different album does not.
	k3 := ComputeCacheKey([]byte("jpeg bytes"), "wf_v1", "mp4_loop", "album-43")
	assert.NotEqual(t, k1, k3)

	// Identity-keyed and bytes-keyed digests never collide by construction.
	k4 := ComputeCacheKey([]byte("album:album-42"), "wf_v1", "mp4_loop", "")
	assert.Equal(t, k1, k4)
}

func TestCacheExistsRequiresVideoAndMeta(t *testing.T) {
	s := newTestStorage(t)
	const key = "abc123"

	assert.False(t, s.CacheExists(key))

	dir, err := s.EnsureRenderDir(key)
	require.NoError(t, err)
	assert.False(t, s.CacheExists(key), "empty directory is not a hit")

	require.NoError(t, os.WriteFile(filepath.Join(dir, VideoFileName), []byte("mp4"), 0600))
	assert.False(t, s.CacheExists(key), "video without meta is not a hit")

	require.NoError(t, s.WriteMeta(key, Meta{CacheKey: key}))
	assert.True(t, s.CacheExists(key))
}

func TestResultURLs(t *testing.T) {
	video, thumb := ResultURLs("deadbeef")
	assert.Equal(t, "/static/renders/deadbeef/video.mp4", video)
	assert.Equal(t, "/static/renders/deadbeef/thumb.jpg", thumb)
}

func TestDownloadAlbumArt(t *testing.T) {
	content := []byte{0x89, 0x50, 0x4e, 0x47}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	s := newTestStorage(t)
	got, ext, err := s.DownloadAlbumArt(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, ".png", ext)
}

func TestDownloadAlbumArtHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestStorage(t)
	_, _, err := s.DownloadAlbumArt(t.Context(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestExtensionForContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/jpeg", ".jpg"},
		{"image/jpg", ".jpg"},
		{"image/png", ".png"},
		{"image/webp", ".webp"},
		{"image/gif", ".gif"},
		{"image/bmp", ".bmp"},
		{"image/png; charset=utf-8", ".png"},
		{"IMAGE/PNG", ".png"},
		{"application/octet-stream", ".jpg"},
		{"", ".jpg"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, extensionForContentType(tt.contentType), tt.contentType)
	}
}

func TestPersistAlbumArtMirrorsToComfyInput(t *testing.T) {
	dataDir := t.TempDir()
	comfyDir := filepath.Join(t.TempDir(), "comfy_input")
	s, err := New(dataDir, comfyDir)
	require.NoError(t, err)

	content := []byte("image-bytes")
	filename, err := s.PersistAlbumArt(content, "cachekey1", ".png")
	require.NoError(t, err)
	assert.Equal(t, "album_cachekey1.png", filename)

	local, err := os.ReadFile(filepath.Join(dataDir, "inputs", filename))
	require.NoError(t, err)
	assert.Equal(t, content, local)

	mirrored, err := os.ReadFile(filepath.Join(comfyDir, filename))
	require.NoError(t, err)
	assert.Equal(t, content, mirrored)
}

func TestJobDocumentRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	doc := []byte(`{"job_id":"j1","status":"queued"}`)
	require.NoError(t, s.WriteJob("j1", doc))

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	require.Contains(t, jobs, "j1")
	assert.JSONEq(t, string(doc), string(jobs["j1"]))

	require.NoError(t, s.DeleteJob("j1"))
	jobs, err = s.LoadJobs()
	require.NoError(t, err)
	assert.NotContains(t, jobs, "j1")

	// Deleting a missing document is not an error.
	assert.NoError(t, s.DeleteJob("j1"))
}

func TestLoadJobsSkipsInvalidFiles(t *testing.T) {
	dataDir := t.TempDir()
	s, err := New(dataDir, filepath.Join(t.TempDir(), "comfy_input"))
	require.NoError(t, err)

	jobsDir := filepath.Join(dataDir, "jobs")
	require.NoError(t, os.WriteFile(filepath.Join(jobsDir, "good.json"), []byte(`{"job_id":"good"}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(jobsDir, "broken.json"), []byte("{oops"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(jobsDir, "notes.txt"), []byte("ignore me"), 0600))

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Contains(t, jobs, "good")
}

func TestWriteMeta(t *testing.T) {
	s := newTestStorage(t)

	meta := Meta{
		CacheKey:        "k1",
		VideoPath:       "/data/renders/k1/video.mp4",
		ThumbPath:       "/data/renders/k1/thumb.jpg",
		ElapsedSec:      12.34,
		WorkflowVersion: "wf_v1",
		RenderPreset:    "mp4_loop",
	}
	require.NoError(t, s.WriteMeta("k1", meta))

	data, err := os.ReadFile(filepath.Join(s.RenderDir("k1"), MetaFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cache_key": "k1"`)
	assert.Contains(t, string(data), `"workflow_version": "wf_v1"`)
}
