package comfy

import "errors"

// Failure taxonomy surfaced as error.code on failed jobs.
const (
	// CodeWorkflowInvalid indicates the backend rejected the prompt document.
	CodeWorkflowInvalid = "COMFY_WORKFLOW_INVALID"
	// CodeHTTPError indicates a transport failure or unclassified error.
	CodeHTTPError = "COMFY_HTTP_ERROR"
	// CodeTimeout indicates history did not materialize within the render timeout.
	CodeTimeout = "COMFY_TIMEOUT"
	// CodeExecError indicates the backend reported an execution failure.
	CodeExecError = "COMFY_EXEC_ERROR"
	// CodeOutputNotFound indicates no candidate output file was produced.
	CodeOutputNotFound = "OUTPUT_NOT_FOUND"
	// CodeDownloadFailed indicates the download, transcode, or thumbnail step failed.
	CodeDownloadFailed = "DOWNLOAD_FAILED"
)

// Error is a render failure carrying a taxonomy code. The worker surfaces
// the code verbatim on the failed job.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError creates a taxonomy error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError extracts a taxonomy error from an error chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
