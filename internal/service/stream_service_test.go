package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/iconidentify/vidgrabba/internal/config"
	"github.com/iconidentify/vidgrabba/internal/domain"
)

func newTestStreamService(l *fakeLauncher, cfg config.StreamConfig) *StreamService {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 32 * 1024
	}
	return NewStreamService(l, testArgs(), cfg, testLogger())
}

// pattern returns n deterministic, non-repeating-looking bytes.
func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	x := uint32(seed) + 1
	for i := range b {
		x = x*1664525 + 1013904223
		b[i] = byte(x >> 24)
	}
	return b
}

// emitBytes writes data in uneven pieces, then stderr, then exits with code.
func emitBytes(data []byte, stderr string, code int) script {
	return func(p *fakeProcess, _ []string) int {
		for off, step := 0, 1; off < len(data); step = step*3%50000 + 7 {
			end := off + step
			if end > len(data) {
				end = len(data)
			}
			if err := p.stdout(data[off:end]); err != nil {
				return -1
			}
			off = end
		}
		if stderr != "" {
			p.stderr(stderr)
		}
		return code
	}
}

// failingSink accepts failAfter writes and then fails every write.
type failingSink struct {
	mu        sync.Mutex
	writes    int
	failAfter int
	failedAt  time.Time
	buf       bytes.Buffer
}

func (s *failingSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes >= s.failAfter {
		if s.failedAt.IsZero() {
			s.failedAt = time.Now()
		}
		return 0, errors.New("client disconnected")
	}
	s.writes++
	return s.buf.Write(b)
}

func (s *failingSink) failTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAt
}

type flushingSink struct {
	bytes.Buffer
	flushes int
}

func (s *flushingSink) Flush() error {
	s.flushes++
	return nil
}

type shortSink struct{}

func (shortSink) Write(b []byte) (int, error) {
	if len(b) <= 1 {
		return 0, nil
	}
	return len(b) / 2, nil
}

func TestStreamService_InvalidURLNeverSpawns(t *testing.T) {
	l := newFakeLauncher(emitBytes([]byte("x"), "", 0))
	svc := newTestStreamService(l, config.StreamConfig{})

	var sink bytes.Buffer
	res, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "javascript:alert(1)"}, &sink)
	if !errors.Is(err, domain.ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
	if res.State != domain.StateFailedBeforeBytes {
		t.Errorf("state = %s, want %s", res.State, domain.StateFailedBeforeBytes)
	}
	if l.spawns() != 0 {
		t.Errorf("expected 0 spawns, got %d", l.spawns())
	}
	if sink.Len() != 0 {
		t.Errorf("sink should be untouched, got %d bytes", sink.Len())
	}
}

func TestStreamService_DeliversExactBytes(t *testing.T) {
	data := pattern(5*1024*1024+17, 1)
	l := newFakeLauncher(emitBytes(data, "[download] 100% of 5.00MiB\n", 0))
	svc := newTestStreamService(l, config.StreamConfig{})

	var sink bytes.Buffer
	res, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v"}, &sink)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if res.State != domain.StateCompleted {
		t.Errorf("state = %s, want completed", res.State)
	}
	if res.BytesWritten != int64(len(data)) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(data))
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Error("sink bytes differ from tool output")
	}
	if res.InvocationID == "" {
		t.Error("result should carry the invocation ID")
	}
	if l.proc(0).kills.Load() != 0 {
		t.Error("a completed stream should not kill the tool")
	}
}

func TestStreamService_FailsBeforeBytes(t *testing.T) {
	l := newFakeLauncher(emitBytes(nil, "ERROR: Requested format is not available\n", 1))
	svc := newTestStreamService(l, config.StreamConfig{})

	var sink bytes.Buffer
	res, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v", Format: "999"}, &sink)
	if !errors.Is(err, domain.ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}
	if res.State != domain.StateFailedBeforeBytes {
		t.Errorf("state = %s, want failed_before_bytes", res.State)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	var toolErr *domain.ToolError
	if !errors.As(err, &toolErr) || toolErr.Stderr == "" {
		t.Errorf("expected ToolError with stderr tail, got %v", err)
	}
}

func TestStreamService_FailsAfterBytes(t *testing.T) {
	data := pattern(100000, 2)
	l := newFakeLauncher(emitBytes(data, "ERROR: unable to download video data: HTTP Error 403\n", 1))
	svc := newTestStreamService(l, config.StreamConfig{})

	var sink bytes.Buffer
	res, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v"}, &sink)
	if !errors.Is(err, domain.ErrPartialDelivery) {
		t.Fatalf("expected ErrPartialDelivery, got %v", err)
	}
	if res.State != domain.StateFailedAfterBytes {
		t.Errorf("state = %s, want failed_after_bytes", res.State)
	}
	if res.BytesWritten != int64(len(data)) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(data))
	}
	if errors.Is(err, domain.ErrExtractionFailed) {
		t.Error("partial delivery must stay distinguishable from a clean failure")
	}
}

func TestStreamService_SinkFailureKillsPromptly(t *testing.T) {
	l := newFakeLauncher(func(p *fakeProcess, _ []string) int {
		chunk := pattern(4096, 3)
		for {
			if err := p.stdout(chunk); err != nil {
				return -1
			}
		}
	})
	svc := newTestStreamService(l, config.StreamConfig{ChunkSize: 4096})
	sink := &failingSink{failAfter: 3}

	res, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v"}, sink)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res.State != domain.StateCancelled {
		t.Errorf("state = %s, want cancelled", res.State)
	}

	p := l.proc(0)
	if !p.wasKilled() {
		t.Fatal("tool should be killed after the sink fails")
	}
	if lag := p.killTime().Sub(sink.failTime()); lag > 100*time.Millisecond {
		t.Errorf("kill lagged sink failure by %v", lag)
	}
	if res.BytesWritten != int64(sink.buf.Len()) {
		t.Errorf("BytesWritten = %d, sink holds %d", res.BytesWritten, sink.buf.Len())
	}
}

func TestStreamService_ShortWriteCancels(t *testing.T) {
	l := newFakeLauncher(emitBytes(pattern(10000, 4), "", 0))
	svc := newTestStreamService(l, config.StreamConfig{})

	res, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v"}, shortSink{})
	if !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("expected io.ErrShortWrite in chain, got %v", err)
	}
	if res.State != domain.StateCancelled {
		t.Errorf("state = %s, want cancelled", res.State)
	}
}

func TestStreamService_ContextCancel(t *testing.T) {
	first := make(chan struct{})
	l := newFakeLauncher(func(p *fakeProcess, _ []string) int {
		if err := p.stdout([]byte("header")); err != nil {
			return -1
		}
		close(first)
		return p.block()
	})
	svc := newTestStreamService(l, config.StreamConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-first
		cancel()
	}()

	var sink bytes.Buffer
	res, err := svc.Stream(ctx, domain.DownloadRequest{URL: "https://example.com/v"}, &sink)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if res.State != domain.StateCancelled {
		t.Errorf("state = %s, want cancelled", res.State)
	}
	if sink.String() != "header" {
		t.Errorf("sink = %q, want %q", sink.String(), "header")
	}
	if !l.proc(0).wasKilled() {
		t.Error("tool should be killed on cancel")
	}
}

func TestStreamService_Timeout(t *testing.T) {
	l := newFakeLauncher(func(p *fakeProcess, _ []string) int {
		return p.block()
	})
	svc := newTestStreamService(l, config.StreamConfig{Timeout: 50 * time.Millisecond})

	var sink bytes.Buffer
	res, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v"}, &sink)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded in chain, got %v", err)
	}
	if res.State != domain.StateCancelled {
		t.Errorf("state = %s, want cancelled", res.State)
	}
}

func TestStreamService_FormatArgv(t *testing.T) {
	l := newFakeLauncher(emitBytes([]byte("ok"), "", 0))
	svc := newTestStreamService(l, config.StreamConfig{})

	var sink bytes.Buffer
	req := domain.DownloadRequest{URL: "https://example.com/v", Format: "bv*[height<=480]+ba/b; rm -rf /"}
	if _, err := svc.Stream(context.Background(), req, &sink); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	want := []string{
		"--format", "bv*[height<=480]+ba/b; rm -rf /",
		"--no-part", "--no-playlist", "--newline", "--progress",
		"--output", "-",
		"https://example.com/v",
	}
	if got := l.lastArgv(); !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %q, want %q", got, want)
	}

	sink.Reset()
	if _, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v"}, &sink); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if got := l.lastArgv(); got[1] != config.DefaultFormat {
		t.Errorf("default format = %q, want %q", got[1], config.DefaultFormat)
	}
}

func TestStreamService_FlushesSink(t *testing.T) {
	l := newFakeLauncher(emitBytes(pattern(1000, 5), "", 0))
	svc := newTestStreamService(l, config.StreamConfig{})

	sink := &flushingSink{}
	if _, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v"}, sink); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if sink.flushes != 1 {
		t.Errorf("flushes = %d, want 1", sink.flushes)
	}
}

func TestStreamService_FailedToolDoesNotFlush(t *testing.T) {
	l := newFakeLauncher(emitBytes(nil, "ERROR: Unsupported URL\n", 1))
	svc := newTestStreamService(l, config.StreamConfig{})

	sink := &flushingSink{}
	res, err := svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/v"}, sink)
	if !errors.Is(err, domain.ErrExtractionFailed) {
		t.Fatalf("err = %v, want ErrExtractionFailed", err)
	}
	if res.State != domain.StateFailedBeforeBytes {
		t.Errorf("state = %s, want %s", res.State, domain.StateFailedBeforeBytes)
	}
	if sink.flushes != 0 {
		t.Errorf("flushes = %d, want 0", sink.flushes)
	}
}

func TestStreamService_ConcurrentStreamsAreIndependent(t *testing.T) {
	good := pattern(2*1024*1024, 6)
	l := newFakeLauncher(func(p *fakeProcess, argv []string) int {
		if argv[len(argv)-1] == "https://example.com/good" {
			return emitBytes(good, "", 0)(p, argv)
		}
		if err := p.stdout(pattern(5000, 7)); err != nil {
			return -1
		}
		return p.block()
	})
	svc := newTestStreamService(l, config.StreamConfig{})

	var wg sync.WaitGroup
	var goodSink bytes.Buffer
	var goodRes domain.StreamResult
	var goodErr error

	ctx, cancel := context.WithCancel(context.Background())
	badSink := &failingSink{failAfter: 1000}
	var badRes domain.StreamResult
	var badErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		goodRes, goodErr = svc.Stream(context.Background(), domain.DownloadRequest{URL: "https://example.com/good"}, &goodSink)
	}()
	go func() {
		defer wg.Done()
		badRes, badErr = svc.Stream(ctx, domain.DownloadRequest{URL: "https://example.com/bad"}, badSink)
	}()
	time.AfterFunc(20*time.Millisecond, cancel)
	wg.Wait()

	if goodErr != nil || goodRes.State != domain.StateCompleted {
		t.Errorf("good stream: state=%s err=%v", goodRes.State, goodErr)
	}
	if !bytes.Equal(goodSink.Bytes(), good) {
		t.Error("good stream bytes were corrupted")
	}
	if !errors.Is(badErr, domain.ErrCancelled) || badRes.State != domain.StateCancelled {
		t.Errorf("bad stream: state=%s err=%v", badRes.State, badErr)
	}
	if goodRes.InvocationID == badRes.InvocationID {
		t.Error("concurrent streams should have distinct invocation IDs")
	}
}
