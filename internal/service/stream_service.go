package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/vidgrabba/internal/config"
	"github.com/iconidentify/vidgrabba/internal/domain"
	"github.com/iconidentify/vidgrabba/internal/extractor"
	"github.com/iconidentify/vidgrabba/internal/process"
)

// Flusher is implemented by sinks that buffer and must be flushed before a
// transfer counts as complete.
type Flusher interface {
	Flush() error
}

// StreamService proxies the tool's media output into a sink.
type StreamService struct {
	launcher process.Launcher
	args     *extractor.Args
	cfg      config.StreamConfig
	logger   *slog.Logger
}

// NewStreamService creates a new stream service.
func NewStreamService(
	launcher process.Launcher,
	args *extractor.Args,
	cfg config.StreamConfig,
	logger *slog.Logger,
) *StreamService {
	return &StreamService{
		launcher: launcher,
		args:     args,
		cfg:      cfg,
		logger:   logger,
	}
}

// Stream runs the tool in emit mode for req and copies its stdout into sink
// as it arrives. The returned result always carries a terminal state.
//
// Errors: domain.ErrInvalidURL before spawning, the launch sentinels if the
// tool can't start, domain.ErrExtractionFailed when the tool fails before any
// byte reached the sink, domain.ErrPartialDelivery when it fails after, and
// domain.ErrCancelled when the sink or ctx gives up first.
func (s *StreamService) Stream(ctx context.Context, req domain.DownloadRequest, sink io.Writer) (domain.StreamResult, error) {
	result := domain.StreamResult{State: domain.StateValidating}
	if err := domain.ValidateURL(req.URL); err != nil {
		result.State = domain.StateFailedBeforeBytes
		return result, err
	}
	url := strings.TrimSpace(req.URL)
	start := time.Now()

	result.State = domain.StateSpawning
	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	h, err := s.launcher.Launch(ctx, s.args.Stream(url, req.Format))
	if err != nil {
		result.State = domain.StateFailedBeforeBytes
		return result, launchError("stream download", err)
	}
	defer h.Close()
	result.InvocationID = h.ID()

	stopKill := context.AfterFunc(ctx, func() { _ = h.Kill() })
	defer stopKill()

	logger := s.logger.With("invocation_id", h.ID(), "url", url)
	if req.Format != "" {
		logger = logger.With("format", req.Format)
	}

	tail := process.NewTailBuffer(stderrTailBytes)
	stderrDone := process.Drain(h.Stderr(), tail, func(line string) {
		logStderrLine(logger, line)
	})

	result.State = domain.StateStreaming
	written, writeErr, readErr := s.pump(sink, h)
	result.BytesWritten = written

	status := h.Wait()
	waitDrain(stderrDone)
	result.ExitCode = status.Code

	// A failed tool must not flush: the sink may still turn into an error
	// response while nothing has been written.
	if writeErr == nil && readErr == nil && status.Success() {
		if f, ok := sink.(Flusher); ok {
			if err := f.Flush(); err != nil {
				writeErr = err
			}
		}
	}

	switch {
	case writeErr == nil && readErr == nil && status.Success():
		result.State = domain.StateCompleted
		logger.Info("stream completed",
			"bytes", written,
			"size", humanize.Bytes(uint64(written)),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return result, nil

	case writeErr != nil || ctx.Err() != nil:
		result.State = domain.StateCancelled
		cause := writeErr
		if cause == nil {
			cause = ctx.Err()
		}
		logger.Info("stream cancelled",
			"cause", cause,
			"bytes", written,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return result, domain.NewToolError("stream download", h.ID(), status.Code, tail.String(),
			fmt.Errorf("%w: %w", domain.ErrCancelled, cause))

	case written == 0:
		result.State = domain.StateFailedBeforeBytes
		logger.Warn("tool failed before any bytes were sent",
			"exit_code", status.Code,
			"read_error", readErr,
			"stderr", tail.String(),
		)
		return result, domain.NewToolError("stream download", h.ID(), status.Code, tail.String(),
			extractionCause(readErr))

	default:
		result.State = domain.StateFailedAfterBytes
		logger.Error("partial delivery: tool failed after bytes were sent",
			"exit_code", status.Code,
			"read_error", readErr,
			"bytes", written,
			"size", humanize.Bytes(uint64(written)),
			"stderr", tail.String(),
		)
		return result, domain.NewToolError("stream download", h.ID(), status.Code, tail.String(),
			domain.ErrPartialDelivery)
	}
}

// pump copies stdout to sink chunk by chunk. The first failed write kills the
// tool right away; there is no reader left for its output.
func (s *StreamService) pump(sink io.Writer, h process.Handle) (written int64, writeErr, readErr error) {
	size := s.cfg.ChunkSize
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)
	stdout := h.Stdout()

	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			wn, werr := sink.Write(buf[:n])
			written += int64(wn)
			if werr == nil && wn < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				_ = h.Kill()
				return written, werr, nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil, nil
			}
			_ = h.Kill()
			return written, nil, rerr
		}
	}
}

func extractionCause(readErr error) error {
	if readErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrExtractionFailed, readErr)
	}
	return domain.ErrExtractionFailed
}

// logStderrLine keeps progress chatter at debug and surfaces tool warnings.
func logStderrLine(logger *slog.Logger, line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case strings.HasPrefix(line, "ERROR:"):
		logger.Warn("tool error output", "line", line)
	case strings.HasPrefix(line, "WARNING:"):
		logger.Warn("tool warning", "line", line)
	default:
		logger.Debug("tool output", "line", line)
	}
}
