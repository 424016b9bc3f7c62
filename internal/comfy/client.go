// Package comfy provides the client for the ComfyUI inference backend: it
// submits rendering prompts, streams execution progress over WebSocket,
// polls the result history, and downloads the produced artifacts.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundscene/live2d-render-api/internal/media"
)

// Workflow node IDs patched into every prompt: the node that reads the
// staged input image and the node that writes the rendered output.
const (
	imageInputNodeID = "58"
	outputNodeID     = "341"
	outputPrefix     = "Live2D/"
)

// ErrWorkflowTemplate is returned when the on-disk workflow template cannot
// be loaded or is not a JSON object of nodes.
var ErrWorkflowTemplate = errors.New("comfy: invalid workflow template")

// PhaseFunc receives coarse render phase transitions.
type PhaseFunc func(phase string)

// SamplingFunc receives sampling ratios in [0,1] during execution.
type SamplingFunc func(ratio float64)

// Renderer is the capability the queue worker needs from the inference
// backend. Client implements it; tests substitute fakes.
type Renderer interface {
	// Render runs the workflow for the staged image and places video.mp4 and
	// thumb.jpg in renderDir. Both callbacks are optional.
	Render(ctx context.Context, imageFilename, cacheKey, renderDir string, phaseCb PhaseFunc, samplingCb SamplingFunc) (videoPath, thumbPath string, err error)
}

// Compile-time check that Client implements Renderer.
var _ Renderer = (*Client)(nil)

// Config holds the client settings.
type Config struct {
	// BaseURL is the HTTP root of the ComfyUI server.
	BaseURL string
	// WorkflowPath is the on-disk JSON workflow template.
	WorkflowPath string
	// RenderTimeout bounds the history poll. Defaults to 15 minutes.
	RenderTimeout time.Duration
	// PollInterval is the history poll period. Defaults to 2 seconds.
	PollInterval time.Duration
}

// Client talks to a ComfyUI server.
type Client struct {
	baseURL       string
	workflow      []byte
	renderTimeout time.Duration
	pollInterval  time.Duration

	// Control-plane calls are quick; artifact downloads can be large.
	controlClient  *http.Client
	downloadClient *http.Client

	transcoder media.Transcoder
	logger     *slog.Logger
}

// NewClient creates a Client and loads the workflow template from disk.
func NewClient(cfg Config, transcoder media.Transcoder, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	workflow, err := os.ReadFile(cfg.WorkflowPath) // #nosec G304 - path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read workflow template: %w", err)
	}
	var probe map[string]any
	if err := json.Unmarshal(workflow, &probe); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrWorkflowTemplate, cfg.WorkflowPath, err)
	}

	renderTimeout := cfg.RenderTimeout
	if renderTimeout <= 0 {
		renderTimeout = 15 * time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		workflow:       workflow,
		renderTimeout:  renderTimeout,
		pollInterval:   pollInterval,
		controlClient:  &http.Client{Timeout: 20 * time.Second},
		downloadClient: &http.Client{Timeout: 90 * time.Second},
		transcoder:     transcoder,
		logger:         logger,
	}, nil
}

// Render submits the workflow and drives it to a downloaded, normalized
// result. Phase transitions are reported as prompting, sampling, assembling,
// postprocessing; sampling ratios arrive from the progress stream in
// between. The stream goroutine is cancelled before Render returns on every
// path.
func (c *Client) Render(ctx context.Context, imageFilename, cacheKey, renderDir string, phaseCb PhaseFunc, samplingCb SamplingFunc) (string, string, error) {
	reportPhase(phaseCb, "prompting")

	prompt, totalNodes, err := c.buildPrompt(imageFilename, cacheKey)
	if err != nil {
		return "", "", err
	}

	// The client id correlates the prompt submission with its event stream.
	clientID := uuid.NewString()
	promptID := &promptIDRef{}

	streamCtx, cancelStream := context.WithCancel(ctx)
	var streamDone sync.WaitGroup
	if samplingCb != nil {
		streamDone.Add(1)
		go func() {
			defer streamDone.Done()
			c.streamSamplingProgress(streamCtx, clientID, promptID, totalNodes, samplingCb)
		}()
	}
	stopStream := func() {
		cancelStream()
		streamDone.Wait()
	}

	id, err := c.postPrompt(ctx, prompt, clientID)
	if err != nil {
		stopStream()
		return "", "", err
	}
	promptID.set(id)

	reportPhase(phaseCb, "sampling")
	history, err := c.waitForHistory(ctx, id)
	stopStream()
	if err != nil {
		return "", "", err
	}

	reportPhase(phaseCb, "assembling")
	outputRef, err := extractVideoFile(history)
	if err != nil {
		return "", "", err
	}

	downloadedPath := filepath.Join(renderDir, filepath.Base(outputRef.Filename))
	if err := c.downloadOutput(ctx, outputRef, downloadedPath); err != nil {
		return "", "", err
	}

	reportPhase(phaseCb, "postprocessing")
	videoPath := filepath.Join(renderDir, "video.mp4")
	if err := c.transcoder.EnsureMP4(ctx, downloadedPath, videoPath); err != nil {
		return "", "", NewError(CodeDownloadFailed, fmt.Sprintf("ffmpeg convert failed: %v", err))
	}
	thumbPath := filepath.Join(renderDir, "thumb.jpg")
	if err := c.transcoder.Thumbnail(ctx, videoPath, thumbPath); err != nil {
		return "", "", NewError(CodeDownloadFailed, fmt.Sprintf("thumbnail generation failed: %v", err))
	}

	return videoPath, thumbPath, nil
}

func reportPhase(cb PhaseFunc, phase string) {
	if cb != nil {
		cb(phase)
	}
}

// promptIDRef shares the assigned prompt id with the stream goroutine,
// which starts listening before the POST response arrives.
type promptIDRef struct {
	mu sync.Mutex
	id string
}

func (r *promptIDRef) set(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

func (r *promptIDRef) get() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// buildPrompt deep-copies the workflow template and patches the input image
// filename and the output filename prefix. It returns the prompt and its
// total node count for progress tracking.
func (c *Client) buildPrompt(imageFilename, cacheKey string) (map[string]any, int, error) {
	// Unmarshaling the stored template bytes yields a fresh deep copy.
	var prompt map[string]any
	if err := json.Unmarshal(c.workflow, &prompt); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrWorkflowTemplate, err)
	}

	if err := patchNodeInput(prompt, imageInputNodeID, "image", imageFilename); err != nil {
		return nil, 0, err
	}
	if err := patchNodeInput(prompt, outputNodeID, "filename_prefix", outputPrefix+cacheKey); err != nil {
		return nil, 0, err
	}

	return prompt, len(prompt), nil
}

func patchNodeInput(prompt map[string]any, nodeID, field, value string) error {
	node, ok := prompt[nodeID].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: missing node %s", ErrWorkflowTemplate, nodeID)
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: node %s has no inputs", ErrWorkflowTemplate, nodeID)
	}
	inputs[field] = value
	return nil
}

// postPrompt submits the prompt document and returns the assigned prompt id.
func (c *Client) postPrompt(ctx context.Context, prompt map[string]any, clientID string) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: prompt, ClientID: clientID})
	if err != nil {
		return "", NewError(CodeHTTPError, fmt.Sprintf("failed to queue prompt: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", NewError(CodeHTTPError, fmt.Sprintf("failed to queue prompt: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.controlClient.Do(req)
	if err != nil {
		return "", NewError(CodeHTTPError, fmt.Sprintf("failed to queue prompt: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewError(CodeHTTPError, fmt.Sprintf("failed to queue prompt: %v", err))
	}

	var parsed promptResponse
	if decodeErr := json.Unmarshal(respBody, &parsed); decodeErr == nil && len(parsed.NodeErrors) > 0 {
		// Validation failures arrive with a 400 status and a node_errors map;
		// surface them as a workflow problem rather than a transport one.
		return "", NewError(CodeWorkflowInvalid, summarizeNodeErrors(parsed.NodeErrors))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewError(CodeHTTPError, fmt.Sprintf("failed to queue prompt: status %d: %s", resp.StatusCode, truncate(string(respBody), 300)))
	}
	if parsed.PromptID == "" {
		return "", NewError(CodeHTTPError, "failed to queue prompt: response carried no prompt_id")
	}

	return parsed.PromptID, nil
}

// summarizeNodeErrors renders up to the first three offending nodes into a
// compact, deterministic message.
func summarizeNodeErrors(nodeErrors map[string]nodeErrorInfo) string {
	ids := make([]string, 0, len(nodeErrors))
	for id := range nodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var chunks []string
	for _, id := range ids {
		if len(chunks) == 3 {
			break
		}
		info := nodeErrors[id]
		classType := info.ClassType
		if classType == "" {
			classType = "unknown"
		}
		msg := "validation error"
		if len(info.Errors) > 0 {
			first := info.Errors[0]
			if first.Details != "" {
				msg = first.Details
			} else if first.Message != "" {
				msg = first.Message
			}
		}
		chunks = append(chunks, fmt.Sprintf("node %s (%s): %s", id, classType, msg))
	}

	return "workflow validation failed: " + strings.Join(chunks, "; ")
}

// waitForHistory polls /history/<prompt_id> until the entry exists with a
// non-empty outputs object, bounded by the render timeout.
func (c *Client) waitForHistory(ctx context.Context, promptID string) (*historyEntry, error) {
	deadline := time.Now().Add(c.renderTimeout)
	for {
		entry, err := c.getHistory(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if entry != nil && len(entry.Outputs) > 0 {
			return entry, nil
		}

		if time.Now().After(deadline) {
			return nil, NewError(CodeTimeout, fmt.Sprintf("prompt timed out in %ds", int(c.renderTimeout.Seconds())))
		}

		select {
		case <-ctx.Done():
			return nil, NewError(CodeHTTPError, fmt.Sprintf("wait for history: %v", ctx.Err()))
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) getHistory(ctx context.Context, promptID string) (*historyEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, NewError(CodeHTTPError, fmt.Sprintf("fetch history: %v", err))
	}

	resp, err := c.controlClient.Do(req)
	if err != nil {
		return nil, NewError(CodeHTTPError, fmt.Sprintf("fetch history: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewError(CodeHTTPError, fmt.Sprintf("fetch history: unexpected status %d", resp.StatusCode))
	}

	// The response envelope is keyed by prompt id.
	var data map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, NewError(CodeHTTPError, fmt.Sprintf("decode history: %v", err))
	}

	entry, ok := data[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// extractVideoFile locates the downloadable artifact in a history entry.
// The designated output node is preferred; otherwise the first node (in
// sorted id order) with any video, gif, or image file wins.
func extractVideoFile(entry *historyEntry) (outputFile, error) {
	if entry.Status.StatusStr == "error" {
		return outputFile{}, NewError(CodeExecError, summarizeExecutionError(entry.Status))
	}

	if files := entry.Outputs[outputNodeID].files(); len(files) > 0 {
		return files[0], nil
	}

	ids := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if files := entry.Outputs[id].files(); len(files) > 0 {
			return files[0], nil
		}
	}

	return outputFile{}, NewError(CodeOutputNotFound, "no output file in ComfyUI history")
}

// summarizeExecutionError extracts the last execution_error message from a
// failed history entry.
func summarizeExecutionError(status historyStatus) string {
	for i := len(status.Messages) - 1; i >= 0; i-- {
		var item []json.RawMessage
		if err := json.Unmarshal(status.Messages[i], &item); err != nil || len(item) < 2 {
			continue
		}

		var eventType string
		if err := json.Unmarshal(item[0], &eventType); err != nil || eventType != "execution_error" {
			continue
		}

		var payload execErrorMessage
		if err := json.Unmarshal(item[1], &payload); err != nil {
			continue
		}

		nodeID := normalizeNodeID(payload.NodeID)
		if nodeID == "" {
			nodeID = "?"
		}
		nodeType := payload.NodeType
		if nodeType == "" {
			nodeType = "unknown"
		}
		if msg := strings.TrimSpace(payload.ExceptionMessage); msg != "" {
			return fmt.Sprintf("node %s (%s): %s", nodeID, nodeType, msg)
		}
		return fmt.Sprintf("node %s (%s): execution error", nodeID, nodeType)
	}

	return "execution failed without details"
}

// downloadOutput fetches an artifact through /view and writes it to disk.
func (c *Client) downloadOutput(ctx context.Context, ref outputFile, targetPath string) error {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	fileType := ref.Type
	if fileType == "" {
		fileType = "output"
	}
	query.Set("type", fileType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return NewError(CodeDownloadFailed, fmt.Sprintf("failed to download output: %v", err))
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return NewError(CodeDownloadFailed, fmt.Sprintf("failed to download output: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewError(CodeDownloadFailed, fmt.Sprintf("failed to download output: unexpected status %d", resp.StatusCode))
	}

	f, err := os.Create(targetPath) // #nosec G304 - path is inside the render directory
	if err != nil {
		return NewError(CodeDownloadFailed, fmt.Sprintf("failed to download output: %v", err))
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(targetPath)
		return NewError(CodeDownloadFailed, fmt.Sprintf("failed to download output: %v", err))
	}
	if err := f.Close(); err != nil {
		return NewError(CodeDownloadFailed, fmt.Sprintf("failed to download output: %v", err))
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
