// Package media normalizes downloaded render outputs using the ffmpeg CLI:
// transcoding to a browser-safe mp4 and extracting a thumbnail frame.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Transcoder is the capability the render pipeline needs from the media
// layer. FFmpeg implements it; tests substitute fakes.
type Transcoder interface {
	// EnsureMP4 places an H.264 mp4 at dst. If src is already an mp4 it is
	// moved; otherwise it is re-encoded.
	EnsureMP4(ctx context.Context, src, dst string) error

	// Thumbnail extracts a representative frame from the video, scaled to
	// width 640, and writes it as a JPEG.
	Thumbnail(ctx context.Context, videoPath, thumbPath string) error
}

// Compile-time check that FFmpeg implements Transcoder.
var _ Transcoder = (*FFmpeg)(nil)

// FFmpeg implements Transcoder using the ffmpeg CLI.
type FFmpeg struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
}

// NewFFmpeg creates a new FFmpeg transcoder.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpeg(ffmpegPath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath}
}

// EnsureMP4 places an mp4 at dst. An existing mp4 is renamed into place
// without re-encoding; anything else (webp, gif, image sequences) is
// converted with libx264/yuv420p for broad playback compatibility.
func (f *FFmpeg) EnsureMP4(ctx context.Context, src, dst string) error {
	if strings.EqualFold(filepath.Ext(src), ".mp4") {
		absSrc, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("resolve source path: %w", err)
		}
		absDst, err := filepath.Abs(dst)
		if err != nil {
			return fmt.Errorf("resolve destination path: %w", err)
		}
		if absSrc == absDst {
			return nil
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move mp4 into place: %w", err)
		}
		return nil
	}

	args := []string{
		"-y",
		"-i", src,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		dst,
	}
	return f.run(ctx, args)
}

// Thumbnail extracts one representative frame scaled to width 640.
func (f *FFmpeg) Thumbnail(ctx context.Context, videoPath, thumbPath string) error {
	args := []string{
		"-y",
		"-i", videoPath,
		"-vf", "thumbnail,scale=640:-1",
		"-frames:v", "1",
		thumbPath,
	}
	return f.run(ctx, args)
}

// run executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (f *FFmpeg) run(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, tail(e.Stderr, 300))
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// tail returns the last n bytes of s; ffmpeg stderr can run to many kilobytes.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
