package comfy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ComfyUI payloads are loosely typed; node IDs in particular arrive as
// strings or numbers depending on the message. Each message type gets its
// own tolerant parser and unknown types are ignored, never rejected.

// wsMessage is the envelope of every WebSocket event.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WebSocket event types the stream reacts to.
const (
	eventExecutionCached      = "execution_cached"
	eventExecuted             = "executed"
	eventProgress             = "progress"
	eventProgressState        = "progress_state"
	eventExecuting            = "executing"
	eventExecutionSuccess     = "execution_success"
	eventExecutionError       = "execution_error"
	eventExecutionInterrupted = "execution_interrupted"
)

// eventData covers the fields shared by the event payloads. Node is kept
// untyped because the backend emits both string and numeric IDs, and null
// for the legacy end-of-run signal.
type eventData struct {
	PromptID string          `json:"prompt_id"`
	Node     any             `json:"node"`
	Nodes    json.RawMessage `json:"nodes"`
	Value    float64         `json:"value"`
	Max      float64         `json:"max"`
}

// progressStateNode is one node snapshot in a progress_state event.
type progressStateNode struct {
	State string  `json:"state"`
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

// normalizeNodeID renders any node identifier to a trimmed string, or ""
// when absent.
func normalizeNodeID(v any) string {
	if v == nil {
		return ""
	}
	var text string
	switch id := v.(type) {
	case string:
		text = id
	case float64:
		if id == float64(int64(id)) {
			text = fmt.Sprintf("%d", int64(id))
		} else {
			text = fmt.Sprintf("%v", id)
		}
	case json.Number:
		text = id.String()
	default:
		text = fmt.Sprintf("%v", id)
	}
	return strings.TrimSpace(text)
}

// promptRequest is the body POSTed to /prompt.
type promptRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

// promptResponse carries either a prompt ID or a node-error mapping.
type promptResponse struct {
	PromptID   string                   `json:"prompt_id"`
	NodeErrors map[string]nodeErrorInfo `json:"node_errors"`
}

// nodeErrorInfo describes why a workflow node failed validation.
type nodeErrorInfo struct {
	ClassType string          `json:"class_type"`
	Errors    []nodeErrorItem `json:"errors"`
}

type nodeErrorItem struct {
	Message string `json:"message"`
	Details string `json:"details"`
}

// historyEntry is one entry of the /history/<prompt_id> response.
type historyEntry struct {
	Outputs map[string]nodeOutput `json:"outputs"`
	Status  historyStatus         `json:"status"`
}

type historyStatus struct {
	StatusStr string            `json:"status_str"`
	Messages  []json.RawMessage `json:"messages"`
}

// nodeOutput lists the artifacts a node produced. ComfyUI video nodes emit
// under "videos" or "gifs"; image nodes under "images".
type nodeOutput struct {
	Videos []outputFile `json:"videos"`
	Gifs   []outputFile `json:"gifs"`
	Images []outputFile `json:"images"`
}

// outputFile is a downloadable artifact reference for the /view endpoint.
type outputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// files returns the node's artifacts with a filename, in the fixed
// videos/gifs/images preference order.
func (o nodeOutput) files() []outputFile {
	var files []outputFile
	for _, group := range [][]outputFile{o.Videos, o.Gifs, o.Images} {
		for _, f := range group {
			if f.Filename != "" {
				files = append(files, f)
			}
		}
	}
	return files
}

// execErrorMessage is the payload of an execution_error history message.
type execErrorMessage struct {
	NodeID           any    `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}
