package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "http://127.0.0.1:8188", cfg.ComfyBaseURL)
	assert.Equal(t, "../ComfyUI/input", cfg.ComfyInputDir)
	assert.Equal(t, "workflows/(API)Final_workflow.json", cfg.ComfyWorkflowPath)
	assert.Equal(t, "qwen_enhancer_v1", cfg.WorkflowVersion)
	assert.Equal(t, "mp4_loop_v1", cfg.RenderPreset)
	assert.Equal(t, 900, cfg.RenderTimeoutSec)
	assert.Equal(t, 300, cfg.EstimatedJobSec)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.S3Enabled())
}

func TestLoadCustomValues(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("API_PREFIX", "/v2")
	t.Setenv("DATA_DIR", "/var/lib/renders")
	t.Setenv("COMFY_BASE_URL", "http://comfy:8188/")
	t.Setenv("WORKFLOW_VERSION", "v2_test")
	t.Setenv("RENDER_PRESET", "webm_once")
	t.Setenv("RENDER_TIMEOUT_SEC", "120")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/v2", cfg.APIPrefix)
	assert.Equal(t, "/var/lib/renders", cfg.DataDir)
	// Trailing slash is stripped so URL joins stay clean.
	assert.Equal(t, "http://comfy:8188", cfg.ComfyBaseURL)
	assert.Equal(t, "v2_test", cfg.WorkflowVersion)
	assert.Equal(t, "webm_once", cfg.RenderPreset)
	assert.Equal(t, 120, cfg.RenderTimeoutSec)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestDirectoryHelpers(t *testing.T) {
	cfg := &Config{DataDir: "data"}

	assert.Equal(t, filepath.Join("data", "inputs"), cfg.InputsDir())
	assert.Equal(t, filepath.Join("data", "renders"), cfg.RendersDir())
	assert.Equal(t, filepath.Join("data", "jobs"), cfg.JobsDir())
}

func TestS3Enabled(t *testing.T) {
	tests := []struct {
		name    string
		bucket  string
		region  string
		enabled bool
	}{
		{"both set", "my-bucket", "us-east-1", true},
		{"bucket only", "my-bucket", "", false},
		{"region only", "", "us-east-1", false},
		{"neither", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{S3Bucket: tt.bucket, S3Region: tt.region}
			assert.Equal(t, tt.enabled, cfg.S3Enabled())
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{LogFormat: "json", LogLevel: "debug"}
	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))

	cfg = &Config{LogFormat: "text", LogLevel: "warn"}
	logger = cfg.NewLogger()
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := &Config{
		Port:               8000,
		AWSAccessKeyID:     "AKIA_SECRET_ID",
		AWSSecretAccessKey: "super-secret-key",
	}

	s := cfg.String()
	assert.False(t, strings.Contains(s, "AKIA_SECRET_ID"))
	assert.False(t, strings.Contains(s, "super-secret-key"))
}
