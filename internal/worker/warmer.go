package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iconidentify/vidgrabba/internal/config"
	"github.com/iconidentify/vidgrabba/internal/extractor"
	"github.com/iconidentify/vidgrabba/internal/process"
)

// ErrShutdownTimeout is returned when the warmer doesn't stop within timeout.
var ErrShutdownTimeout = errors.New("warmer shutdown timed out")

// Stats is a snapshot of warm-up activity for diagnostics.
type Stats struct {
	Enabled      bool          `json:"enabled"`
	Interval     time.Duration `json:"-"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRunAt    time.Time     `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"-"`
	LastError    string        `json:"last_error,omitempty"`
}

// Warmer periodically invokes the extraction tool so interpreter startup
// and any on-disk caches stay warm. Its failures never reach request paths.
type Warmer struct {
	interval time.Duration
	timeout  time.Duration
	url      string
	launcher process.Launcher
	args     *extractor.Args
	logger   *slog.Logger

	runs     atomic.Int64
	failures atomic.Int64
	mu       sync.Mutex
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWarmer creates a new warmer.
func NewWarmer(
	cfg config.WarmupConfig,
	launcher process.Launcher,
	args *extractor.Args,
	logger *slog.Logger,
) *Warmer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Warmer{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		url:      cfg.URL,
		launcher: launcher,
		args:     args,
		logger:   logger.With("component", "warmer"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the warm-up loop. The first run happens immediately.
func (w *Warmer) Start() {
	w.logger.Info("starting warmer", "interval", w.interval)

	w.wg.Add(1)
	go w.loop()
}

// Stop cancels any in-flight run and waits for the loop to exit.
func (w *Warmer) Stop(timeout time.Duration) error {
	w.logger.Info("stopping warmer")
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("warmer stopped gracefully")
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// Stats returns a snapshot of warm-up counters.
func (w *Warmer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Enabled:      true,
		Interval:     w.interval,
		Runs:         w.runs.Load(),
		Failures:     w.failures.Load(),
		LastRunAt:    w.lastRun,
		LastDuration: w.lastDur,
		LastError:    w.lastErr,
	}
}

func (w *Warmer) loop() {
	defer w.wg.Done()

	w.runOnce()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.runOnce()
		}
	}
}

func (w *Warmer) runOnce() {
	start := time.Now()
	err := w.invoke()
	dur := time.Since(start)
	stopped := err != nil && w.ctx.Err() != nil && errors.Is(err, context.Canceled)

	if err != nil && !stopped {
		w.failures.Add(1)
	}
	w.mu.Lock()
	w.lastRun = start
	w.lastDur = dur
	w.lastErr = ""
	if err != nil {
		w.lastErr = err.Error()
	}
	w.mu.Unlock()
	w.runs.Add(1)

	switch {
	case stopped:
	case err != nil:
		w.logger.Warn("warm-up run failed", "error", err, "duration_ms", dur.Milliseconds())
	default:
		w.logger.Debug("warm-up run completed", "duration_ms", dur.Milliseconds())
	}
}

func (w *Warmer) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("warm-up panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	argv := []string{"--version"}
	if w.url != "" {
		argv = w.args.Info(w.url)
	}

	h, err := w.launcher.Launch(ctx, argv)
	if err != nil {
		return err
	}
	defer h.Close()

	stop := context.AfterFunc(ctx, func() { _ = h.Kill() })
	defer stop()

	tail := process.NewTailBuffer(4096)
	stderrDone := process.Drain(h.Stderr(), tail, nil)
	_, _ = io.Copy(io.Discard, h.Stdout())
	status := h.Wait()
	select {
	case <-stderrDone:
	case <-time.After(2 * time.Second):
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !status.Success() {
		w.logger.Debug("warm-up tool stderr", "stderr", tail.String())
		return fmt.Errorf("tool exited with code %d", status.Code)
	}
	return nil
}
