package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/iconidentify/vidgrabba/internal/config"
	"github.com/iconidentify/vidgrabba/internal/domain"
	"github.com/iconidentify/vidgrabba/internal/extractor"
	"github.com/iconidentify/vidgrabba/internal/process"
)

// stderrTailBytes bounds how much tool stderr is kept for diagnostics.
const stderrTailBytes = 16 * 1024

// drainGrace bounds the wait for stderr EOF after the tool has exited.
const drainGrace = 2 * time.Second

// MetadataService fetches video metadata through the extraction tool.
type MetadataService struct {
	launcher process.Launcher
	args     *extractor.Args
	cfg      config.FetchConfig
	logger   *slog.Logger
}

// NewMetadataService creates a new metadata service.
func NewMetadataService(
	launcher process.Launcher,
	args *extractor.Args,
	cfg config.FetchConfig,
	logger *slog.Logger,
) *MetadataService {
	return &MetadataService{
		launcher: launcher,
		args:     args,
		cfg:      cfg,
		logger:   logger,
	}
}

// toolMetadata mirrors the part of the tool's describe output we project.
// Numbers are decoded as float64 since the tool is loose about int vs float.
type toolMetadata struct {
	Title     *string      `json:"title"`
	Thumbnail *string      `json:"thumbnail"`
	Duration  *float64     `json:"duration"`
	Uploader  *string      `json:"uploader"`
	ViewCount *float64     `json:"view_count"`
	Formats   []toolFormat `json:"formats"`
}

type toolFormat struct {
	FormatID       *string  `json:"format_id"`
	Ext            *string  `json:"ext"`
	Filesize       *float64 `json:"filesize"`
	FilesizeApprox *float64 `json:"filesize_approx"`
	Resolution     *string  `json:"resolution"`
}

// Fetch describes rawURL. The URL is validated before any process starts.
func (s *MetadataService) Fetch(ctx context.Context, rawURL string) (*domain.VideoMetadata, error) {
	if err := domain.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	url := strings.TrimSpace(rawURL)
	start := time.Now()

	parent := ctx
	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	h, err := s.launcher.Launch(ctx, s.args.Info(url))
	if err != nil {
		return nil, launchError("fetch metadata", err)
	}
	defer h.Close()

	stopKill := context.AfterFunc(ctx, func() { _ = h.Kill() })
	defer stopKill()

	logger := s.logger.With("invocation_id", h.ID(), "url", url)

	tail := process.NewTailBuffer(stderrTailBytes)
	stderrDone := process.Drain(h.Stderr(), tail, nil)

	limit := s.cfg.MaxMetadataBytes
	data, readErr := io.ReadAll(io.LimitReader(h.Stdout(), limit+1))
	if int64(len(data)) > limit {
		_ = h.Kill()
		status := h.Wait()
		logger.Warn("metadata output exceeded cap", "limit_bytes", limit)
		return nil, domain.NewToolError("fetch metadata", h.ID(), status.Code, tail.String(), domain.ErrResponseTooLarge)
	}

	status := h.Wait()
	waitDrain(stderrDone)

	if ctx.Err() != nil {
		if parent.Err() != nil {
			logger.Info("metadata fetch cancelled", "error", parent.Err())
			return nil, domain.NewToolError("fetch metadata", h.ID(), status.Code, tail.String(),
				fmt.Errorf("%w: %w", domain.ErrCancelled, parent.Err()))
		}
		logger.Warn("metadata fetch timed out", "timeout", s.cfg.Timeout)
		return nil, domain.NewToolError("fetch metadata", h.ID(), status.Code, tail.String(),
			fmt.Errorf("%w: %w", domain.ErrExtractionFailed, context.DeadlineExceeded))
	}

	if !status.Success() {
		logger.Warn("tool exited with error",
			"exit_code", status.Code,
			"wait_error", status.Err,
			"stderr", tail.String(),
		)
		return nil, domain.NewToolError("fetch metadata", h.ID(), status.Code, tail.String(), domain.ErrExtractionFailed)
	}
	if readErr != nil {
		logger.Warn("reading tool output failed", "error", readErr)
		return nil, domain.NewToolError("fetch metadata", h.ID(), 0, tail.String(),
			fmt.Errorf("%w: %v", domain.ErrExtractionFailed, readErr))
	}

	meta, err := parseMetadata(data)
	if err != nil {
		logger.Error("failed to parse tool output",
			"error", err,
			"output_bytes", len(data),
		)
		return nil, domain.NewToolError("fetch metadata", h.ID(), 0, "", domain.ErrMalformedMetadata)
	}

	logger.Info("fetched metadata",
		"formats", len(meta.Formats),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return meta, nil
}

func parseMetadata(data []byte) (*domain.VideoMetadata, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("expected a JSON object")
	}

	var raw toolMetadata
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}

	meta := &domain.VideoMetadata{
		Title:     raw.Title,
		Thumbnail: raw.Thumbnail,
		Uploader:  raw.Uploader,
		Duration:  roundInt(raw.Duration),
		ViewCount: roundInt(raw.ViewCount),
		Formats:   make([]domain.FormatDescriptor, 0, len(raw.Formats)),
	}

	for _, f := range raw.Formats {
		if f.FormatID == nil || *f.FormatID == "" || f.Ext == nil || *f.Ext == "" {
			continue
		}
		size := f.Filesize
		if size == nil {
			size = f.FilesizeApprox
		}
		meta.Formats = append(meta.Formats, domain.FormatDescriptor{
			FormatID:      *f.FormatID,
			Extension:     *f.Ext,
			FileSizeBytes: roundInt(size),
			Resolution:    f.Resolution,
		})
	}

	return meta, nil
}

func roundInt(v *float64) *int64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	n := int64(math.Round(*v))
	return &n
}

// launchError makes sure launcher failures carry one of the launch sentinels.
func launchError(op string, err error) error {
	if errors.Is(err, domain.ErrToolNotFound) || errors.Is(err, domain.ErrSpawnFailed) {
		return err
	}
	return domain.NewToolError(op, "", 0, "", fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err))
}

func waitDrain(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(drainGrace):
	}
}
