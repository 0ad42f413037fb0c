// Package process launches short-lived external-tool processes and exposes
// their output streams and exit status.
package process

import (
	"context"
	"io"
)

// Launcher starts one OS process per call. Processes are never pooled.
type Launcher interface {
	// Launch starts the tool with argv passed as discrete tokens, without a
	// shell. Cancelling ctx kills the process.
	Launch(ctx context.Context, argv []string) (Handle, error)
}

// Handle is one running invocation. It is owned by the caller that launched
// it and must be closed; Close kills the process if it is still running.
type Handle interface {
	ID() string
	Stdout() io.Reader
	Stderr() io.Reader
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Wait blocks until Done and returns the exit status.
	Wait() ExitStatus
	// Kill terminates the process and its process group. Safe to call more
	// than once and after exit.
	Kill() error
	Close() error
}

// ExitStatus is the outcome of a finished process. Code is -1 when the
// process was killed by a signal or could not be waited on.
type ExitStatus struct {
	Code int
	Err  error
}

// Success reports whether the process exited with code 0.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Err == nil
}
