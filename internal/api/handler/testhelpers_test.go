package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/iconidentify/vidgrabba/internal/domain"
	"github.com/iconidentify/vidgrabba/internal/worker"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }
func intPtr(n int64) *int64   { return &n }

// mockMetadataFetcher is a test implementation of MetadataFetcher.
type mockMetadataFetcher struct {
	mu    sync.Mutex
	meta  *domain.VideoMetadata
	err   error
	calls []string
}

func (m *mockMetadataFetcher) Fetch(ctx context.Context, url string) (*domain.VideoMetadata, error) {
	m.mu.Lock()
	m.calls = append(m.calls, url)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.meta, nil
}

// mockStreamDownloader writes body into the sink and then returns err.
type mockStreamDownloader struct {
	mu    sync.Mutex
	body  []byte
	err   error
	state domain.StreamState
	reqs  []domain.DownloadRequest
}

func (m *mockStreamDownloader) Stream(ctx context.Context, req domain.DownloadRequest, sink io.Writer) (domain.StreamResult, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	res := domain.StreamResult{InvocationID: "test-invocation", State: m.state}
	if len(m.body) > 0 {
		n, werr := sink.Write(m.body)
		res.BytesWritten = int64(n)
		if werr != nil {
			res.State = domain.StateCancelled
			return res, werr
		}
	}
	// Flush even on failure: an empty sink must stay uncommitted.
	if f, ok := sink.(interface{ Flush() error }); ok {
		f.Flush()
	}
	if m.err == nil {
		res.State = domain.StateCompleted
	}
	return res, m.err
}

func (m *mockStreamDownloader) lastRequest() domain.DownloadRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1]
}

func (m *mockStreamDownloader) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

// mockWarmup reports fixed warm-up stats.
type mockWarmup struct {
	stats worker.Stats
}

func (m *mockWarmup) Stats() worker.Stats { return m.stats }
