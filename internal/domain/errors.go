package domain

import (
	"errors"
	"strconv"
)

// Domain errors.
var (
	// ErrInvalidURL is returned when a request URL is missing or not http/https.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrToolNotFound is returned when the extraction tool cannot be resolved.
	ErrToolNotFound = errors.New("extraction tool not found")

	// ErrSpawnFailed is returned when the OS refuses to start the tool.
	ErrSpawnFailed = errors.New("failed to start extraction tool")

	// ErrExtractionFailed is returned when the tool exits nonzero.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrMalformedMetadata is returned when the tool's JSON output cannot be parsed.
	ErrMalformedMetadata = errors.New("malformed metadata")

	// ErrResponseTooLarge is returned when the tool's metadata output exceeds the configured cap.
	ErrResponseTooLarge = errors.New("metadata response too large")

	// ErrPartialDelivery is returned when the tool fails after media bytes were already sent.
	ErrPartialDelivery = errors.New("download failed after partial delivery")

	// ErrCancelled is returned when the client went away or the operation timed out.
	ErrCancelled = errors.New("operation cancelled")
)

// ToolError wraps an error with the context of a single tool invocation.
// Stderr is for server-side logs only.
type ToolError struct {
	Op           string
	InvocationID string
	ExitCode     int
	Stderr       string
	Err          error
}

func (e *ToolError) Error() string {
	msg := e.Op
	if e.InvocationID != "" {
		msg += " [" + e.InvocationID + "]"
	}
	msg += ": " + e.Err.Error()
	if e.ExitCode != 0 {
		msg += " (exit " + strconv.Itoa(e.ExitCode) + ")"
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewToolError creates a new ToolError.
func NewToolError(op, invocationID string, exitCode int, stderr string, err error) *ToolError {
	return &ToolError{
		Op:           op,
		InvocationID: invocationID,
		ExitCode:     exitCode,
		Stderr:       stderr,
		Err:          err,
	}
}
