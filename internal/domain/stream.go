package domain

// StreamState is the lifecycle position of one download request.
type StreamState string

const (
	StateValidating        StreamState = "validating"
	StateSpawning          StreamState = "spawning"
	StateStreaming         StreamState = "streaming"
	StateCompleted         StreamState = "completed"
	StateFailedBeforeBytes StreamState = "failed_before_bytes"
	StateFailedAfterBytes  StreamState = "failed_after_bytes"
	StateCancelled         StreamState = "cancelled"
)

// IsTerminal reports whether no further transition can happen from s.
func (s StreamState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailedBeforeBytes, StateFailedAfterBytes, StateCancelled:
		return true
	}
	return false
}

// StreamResult describes how a download request ended.
type StreamResult struct {
	InvocationID string
	State        StreamState
	BytesWritten int64
	ExitCode     int
}
