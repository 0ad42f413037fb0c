package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/iconidentify/vidgrabba/internal/domain"
)

// ExecLauncher launches the resolved tool binary with os/exec.
type ExecLauncher struct {
	path   string
	env    []string
	logger *slog.Logger
}

// NewExecLauncher creates a launcher for the resolved tool. The environment
// in tool is used verbatim for every child.
func NewExecLauncher(tool ToolInfo, logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{
		path:   tool.Path,
		env:    tool.Env,
		logger: logger,
	}
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(ctx context.Context, argv []string) (Handle, error) {
	id := uuid.NewString()
	if l.path == "" {
		return nil, domain.NewToolError("launch", id, 0, "", domain.ErrToolNotFound)
	}

	// Pipes are created here rather than with StdoutPipe so that Wait can run
	// concurrently with reads without closing the read ends underneath them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, domain.NewToolError("launch", id, 0, "", fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailed, err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, domain.NewToolError("launch", id, 0, "", fmt.Errorf("%w: stderr pipe: %v", domain.ErrSpawnFailed, err))
	}

	cmd := exec.Command(l.path, argv...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Env = l.env
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewToolError("launch", id, 0, "", fmt.Errorf("%w: %v", domain.ErrToolNotFound, err))
		}
		return nil, domain.NewToolError("launch", id, 0, "", fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err))
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	h := &execHandle{
		id:     id,
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
		logger: l.logger,
	}
	h.stopWatch = context.AfterFunc(ctx, func() {
		_ = h.Kill()
	})
	go h.wait()

	l.logger.Debug("tool process started",
		"invocation_id", id,
		"pid", cmd.Process.Pid,
		"args", argv,
	)

	return h, nil
}

type execHandle struct {
	id     string
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	logger *slog.Logger

	done      chan struct{}
	status    ExitStatus
	stopWatch func() bool

	killOnce  sync.Once
	killErr   error
	closeOnce sync.Once
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	h.status = exitStatus(err)
	close(h.done)
	h.stopWatch()
}

func exitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: -1, Err: err}
}

func (h *execHandle) ID() string            { return h.id }
func (h *execHandle) Stdout() io.Reader     { return h.stdout }
func (h *execHandle) Stderr() io.Reader     { return h.stderr }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Wait() ExitStatus {
	<-h.done
	return h.status
}

func (h *execHandle) Kill() error {
	h.killOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		h.logger.Debug("killing tool process", "invocation_id", h.id, "pid", h.cmd.Process.Pid)
		h.killErr = killProcessGroup(h.cmd.Process)
		if errors.Is(h.killErr, os.ErrProcessDone) {
			h.killErr = nil
		}
	})
	return h.killErr
}

func (h *execHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		select {
		case <-h.done:
		default:
			err = h.Kill()
		}
		h.stopWatch()
		if cerr := h.stdout.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := h.stderr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
