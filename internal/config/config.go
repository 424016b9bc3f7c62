// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port      int    `env:"PORT, default=8000" json:"port"`
	APIPrefix string `env:"API_PREFIX, default=/api/v1" json:"api_prefix"`

	// Data layout
	DataDir string `env:"DATA_DIR, default=data" json:"data_dir"`

	// ComfyUI backend settings
	ComfyBaseURL      string `env:"COMFY_BASE_URL, default=http://127.0.0.1:8188" json:"comfy_base_url"`
	ComfyInputDir     string `env:"COMFY_INPUT_DIR, default=../ComfyUI/input" json:"comfy_input_dir"`
	ComfyWorkflowPath string `env:"COMFY_WORKFLOW_PATH, default=workflows/(API)Final_workflow.json" json:"comfy_workflow_path"`

	// Render identity settings; both feed the cache key.
	WorkflowVersion string `env:"WORKFLOW_VERSION, default=qwen_enhancer_v1" json:"workflow_version"`
	RenderPreset    string `env:"RENDER_PRESET, default=mp4_loop_v1" json:"render_preset"`

	// Timing settings
	RenderTimeoutSec   int `env:"RENDER_TIMEOUT_SEC, default=900" json:"render_timeout_sec"`
	PollingIntervalSec int `env:"POLLING_INTERVAL_SEC, default=3" json:"polling_interval_sec"`
	EstimatedJobSec    int `env:"ESTIMATED_JOB_SEC, default=300" json:"estimated_job_sec"`

	// Optional S3 archive settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.ComfyBaseURL = strings.TrimRight(cfg.ComfyBaseURL, "/")

	return cfg, nil
}

// InputsDir returns the directory for staged album art.
func (c *Config) InputsDir() string {
	return filepath.Join(c.DataDir, "inputs")
}

// RendersDir returns the directory holding cache entries.
func (c *Config) RendersDir() string {
	return filepath.Join(c.DataDir, "renders")
}

// JobsDir returns the directory holding per-job JSON documents.
func (c *Config) JobsDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

// S3Enabled returns true if S3 archive configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, APIPrefix: %s, DataDir: %s, ComfyBaseURL: %s, ComfyInputDir: %s, WorkflowVersion: %s, RenderPreset: %s, RenderTimeoutSec: %d, EstimatedJobSec: %d, S3Bucket: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.APIPrefix,
		c.DataDir,
		c.ComfyBaseURL,
		c.ComfyInputDir,
		c.WorkflowVersion,
		c.RenderPreset,
		c.RenderTimeoutSec,
		c.EstimatedJobSec,
		c.S3Bucket,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
