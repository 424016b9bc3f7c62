package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// streamSamplingProgress consumes the backend's WebSocket event stream for
// one render and emits fused sampling ratios. Failures here are logged and
// swallowed: progress degradation must never abort a render. The goroutine
// exits when the context is cancelled, the stream reports a terminal event
// for the prompt, or the connection drops.
func (c *Client) streamSamplingProgress(ctx context.Context, clientID string, promptID *promptIDRef, totalNodes int, emit SamplingFunc) {
	wsURL, err := c.websocketURL(clientID)
	if err != nil {
		c.logger.Debug("failed to build progress stream URL",
			slog.String("error", err.Error()),
		)
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.logger.Debug("failed to connect progress stream",
			slog.String("error", err.Error()),
		)
		return
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	// ReadMessage blocks; closing the connection is the only way to unblock
	// it on cancellation.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readerDone:
		}
	}()

	tracker := newExecutionTracker(totalNodes)
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("progress stream closed",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if c.handleStreamMessage(raw, promptID.get(), tracker, emit) {
			return
		}
	}
}

// handleStreamMessage processes one event and reports whether it was
// terminal for the tracked prompt. Events are ignored until the prompt id
// is known, and events tagged with a different prompt id are dropped.
func (c *Client) handleStreamMessage(raw []byte, targetPromptID string, tracker *executionTracker, emit SamplingFunc) bool {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	var data eventData
	if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &data) != nil {
		return false
	}

	if targetPromptID == "" {
		return false
	}
	if data.PromptID != "" && data.PromptID != targetPromptID {
		return false
	}

	shouldEmit := false
	switch msg.Type {
	case eventExecutionCached:
		// The backend satisfied these nodes from its own cache.
		var ids []any
		if err := json.Unmarshal(data.Nodes, &ids); err == nil {
			for _, id := range ids {
				tracker.markDone(normalizeNodeID(id))
			}
		}
		shouldEmit = true

	case eventExecuted:
		if id := normalizeNodeID(data.Node); id != "" {
			tracker.markDone(id)
		}
		shouldEmit = true

	case eventProgress:
		tracker.setRunning(normalizeNodeID(data.Node), data.Value, data.Max)
		shouldEmit = true

	case eventProgressState:
		var nodes map[string]progressStateNode
		if err := json.Unmarshal(data.Nodes, &nodes); err == nil {
			for rawID, node := range nodes {
				id := strings.TrimSpace(rawID)
				if id == "" {
					continue
				}
				switch node.State {
				case "finished":
					tracker.markDone(id)
				case "running":
					tracker.setRunning(id, node.Value, node.Max)
				}
			}
		}
		shouldEmit = true
	}

	if shouldEmit {
		if ratio, increased := tracker.advance(); increased {
			emit(ratio)
		}
	}

	// Terminal detection requires the payload to name the tracked prompt.
	if data.PromptID != targetPromptID {
		return false
	}
	switch msg.Type {
	case eventExecutionSuccess, eventExecutionError, eventExecutionInterrupted:
		if !tracker.finished() {
			emit(1.0)
		}
		return true
	case eventExecuting:
		// Legacy end-of-run signal: executing with a null node.
		if data.Node == nil {
			if !tracker.finished() {
				emit(1.0)
			}
			return true
		}
	}

	return false
}

// websocketURL derives the /ws endpoint from the HTTP base URL.
func (c *Client) websocketURL(clientID string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	parsed.RawQuery = url.Values{"clientId": []string{clientID}}.Encode()

	return parsed.String(), nil
}
