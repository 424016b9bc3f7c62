package server

import (
	"log/slog"
	"net/http"
	"strings"
)

// Config contains server configuration options.
type Config struct {
	// APIPrefix is prepended to every API route (e.g. "/api/v1").
	APIPrefix string
	// StaticDir is the data directory served under /static/.
	StaticDir string
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		APIPrefix:      "/api/v1",
		StaticDir:      "data",
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()
	prefix := strings.TrimSuffix(cfg.APIPrefix, "/")

	mux.HandleFunc("GET /{$}", h.Health)
	mux.HandleFunc("POST "+prefix+"/renders", h.CreateRender)
	// The literal history route must be registered alongside the job_id
	// wildcard; ServeMux prefers the more specific pattern.
	mux.HandleFunc("GET "+prefix+"/renders/history", h.GetHistory)
	mux.HandleFunc("DELETE "+prefix+"/renders/history", h.ClearHistory)
	mux.HandleFunc("GET "+prefix+"/renders/{job_id}", h.GetRender)

	// Rendered videos, thumbnails, and staged inputs are served straight
	// from the data directory.
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir))))

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
