package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iconidentify/vidgrabba/internal/config"
	"github.com/iconidentify/vidgrabba/internal/extractor"
	"github.com/iconidentify/vidgrabba/internal/process"
)

// script plays the part of the tool. It writes to the process streams and
// returns the exit code. Writes fail once the process has been killed.
type script func(p *fakeProcess, argv []string) int

type fakeLauncher struct {
	mu        sync.Mutex
	calls     [][]string
	procs     []*fakeProcess
	script    script
	launchErr error
}

func newFakeLauncher(s script) *fakeLauncher {
	return &fakeLauncher{script: s}
}

func (l *fakeLauncher) Launch(_ context.Context, argv []string) (process.Handle, error) {
	l.mu.Lock()
	l.calls = append(l.calls, append([]string(nil), argv...))
	if l.launchErr != nil {
		l.mu.Unlock()
		return nil, l.launchErr
	}
	p := newFakeProcess(fmt.Sprintf("fake-%d", len(l.calls)))
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	go p.run(l.script, argv)
	return p, nil
}

func (l *fakeLauncher) spawns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *fakeLauncher) lastArgv() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.calls) == 0 {
		return nil
	}
	return l.calls[len(l.calls)-1]
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type fakeProcess struct {
	id      string
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done     chan struct{}
	killed   chan struct{}
	exitOnce sync.Once
	killOnce sync.Once
	code     int

	kills    atomic.Int32
	closes   atomic.Int32
	mu       sync.Mutex
	killedAt time.Time
}

func newFakeProcess(id string) *fakeProcess {
	p := &fakeProcess{
		id:     id,
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) run(s script, argv []string) {
	code := s(p, argv)
	p.exit(code)
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) ID() string            { return p.id }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Wait() process.ExitStatus {
	<-p.done
	if p.code != 0 {
		return process.ExitStatus{Code: p.code, Err: fmt.Errorf("exit status %d", p.code)}
	}
	return process.ExitStatus{}
}

func (p *fakeProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.kills.Add(1)
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.killedAt = time.Now()
		p.mu.Unlock()
		close(p.killed)
	})
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Close() error {
	p.closes.Add(1)
	return p.Kill()
}

func (p *fakeProcess) killTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killedAt
}

func (p *fakeProcess) wasKilled() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

// stdout writes b. It fails once the process has been killed.
func (p *fakeProcess) stdout(b []byte) error {
	_, err := p.stdoutW.Write(b)
	return err
}

func (p *fakeProcess) stderr(s string) {
	_, _ = p.stderrW.Write([]byte(s))
}

// block waits until the process is killed.
func (p *fakeProcess) block() int {
	<-p.killed
	return -1
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testArgs() *extractor.Args {
	return extractor.NewArgs(config.ToolConfig{}, config.StreamConfig{})
}
