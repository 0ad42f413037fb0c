package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/iconidentify/vidgrabba/internal/domain"
)

// maxRequestBody bounds JSON and form bodies on the API endpoints.
const maxRequestBody = 64 * 1024

// MetadataFetcher describes a video URL.
type MetadataFetcher interface {
	Fetch(ctx context.Context, url string) (*domain.VideoMetadata, error)
}

// StreamDownloader copies a video's media bytes into a sink.
type StreamDownloader interface {
	Stream(ctx context.Context, req domain.DownloadRequest, sink io.Writer) (domain.StreamResult, error)
}

// VideoHandler handles the video info and download endpoints.
type VideoHandler struct {
	metadata    MetadataFetcher
	stream      StreamDownloader
	filename    string
	contentType string
	logger      *slog.Logger
}

// NewVideoHandler creates a new video handler.
func NewVideoHandler(
	metadata MetadataFetcher,
	stream StreamDownloader,
	filename string,
	contentType string,
	logger *slog.Logger,
) *VideoHandler {
	if filename == "" {
		filename = "video.mp4"
	}
	if contentType == "" {
		contentType = "video/mp4"
	}
	return &VideoHandler{
		metadata:    metadata,
		stream:      stream,
		filename:    filename,
		contentType: contentType,
		logger:      logger,
	}
}

// InfoRequest is the JSON request body for metadata lookups.
type InfoRequest struct {
	URL string `json:"url"`
}

// DownloadRequest is the request body for downloads. Browsers post it as a
// form; scripts may send JSON.
type DownloadRequest struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
}

// Info handles POST /api/video-info
func (h *VideoHandler) Info(w http.ResponseWriter, r *http.Request) {
	var req InfoRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		h.writeError(w, http.StatusBadRequest, "URL is required")
		return
	}

	meta, err := h.metadata.Fetch(r.Context(), req.URL)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidURL):
			h.writeError(w, http.StatusBadRequest, "invalid URL")
		case errors.Is(err, domain.ErrCancelled):
			h.logger.Debug("video info request abandoned", "url", req.URL)
		case errors.Is(err, context.DeadlineExceeded):
			h.logger.Warn("video info timed out", "url", req.URL, "error", err)
			h.writeError(w, http.StatusGatewayTimeout, "Timed out fetching video information")
		case errors.Is(err, domain.ErrToolNotFound), errors.Is(err, domain.ErrSpawnFailed):
			h.logger.Error("could not start extraction tool", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "Failed to start extraction tool")
		case errors.Is(err, domain.ErrMalformedMetadata):
			h.writeError(w, http.StatusInternalServerError, "Failed to parse video information")
		default:
			h.logger.Error("video info failed", "url", req.URL, "error", err)
			h.writeError(w, http.StatusInternalServerError, "Failed to fetch video information")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, meta)
}

// Download handles POST /api/download
func (h *VideoHandler) Download(w http.ResponseWriter, r *http.Request) {
	req, err := parseDownloadRequest(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		h.writeError(w, http.StatusBadRequest, "URL is required")
		return
	}

	sink := newMediaWriter(w, h.filename, h.contentType)
	res, err := h.stream.Stream(r.Context(), domain.DownloadRequest{
		URL:    req.URL,
		Format: strings.TrimSpace(req.Format),
	}, sink)
	if err == nil {
		// An empty file is still a successful download.
		sink.commit()
		return
	}

	if sink.committed() {
		// Status is already 200; truncate the response instead.
		h.logger.Warn("aborting partially delivered download",
			"invocation_id", res.InvocationID,
			"state", res.State,
			"bytes", res.BytesWritten,
			"error", err,
		)
		panic(http.ErrAbortHandler)
	}

	switch {
	case errors.Is(err, domain.ErrInvalidURL):
		h.writeError(w, http.StatusBadRequest, "invalid URL")
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "Timed out starting download")
	case errors.Is(err, domain.ErrCancelled):
		h.logger.Debug("download abandoned before first byte", "invocation_id", res.InvocationID)
	case errors.Is(err, domain.ErrToolNotFound), errors.Is(err, domain.ErrSpawnFailed):
		h.logger.Error("could not start extraction tool", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "Failed to start download process")
	default:
		h.logger.Error("download failed", "invocation_id", res.InvocationID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to download video")
	}
}

func parseDownloadRequest(w http.ResponseWriter, r *http.Request) (DownloadRequest, error) {
	var req DownloadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}

	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.URL = r.PostFormValue("url")
	req.Format = r.PostFormValue("format")
	return req, nil
}

// mediaWriter commits the attachment headers on the first byte and flushes
// every chunk so the browser sees data as soon as the tool emits it.
type mediaWriter struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	filename    string
	contentType string
	wrote       bool
}

func newMediaWriter(w http.ResponseWriter, filename, contentType string) *mediaWriter {
	return &mediaWriter{
		w:           w,
		rc:          http.NewResponseController(w),
		filename:    filename,
		contentType: contentType,
	}
}

func (m *mediaWriter) commit() {
	if m.wrote {
		return
	}
	m.wrote = true
	hdr := m.w.Header()
	hdr.Set("Content-Type", m.contentType)
	hdr.Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(m.filename, `"`, "")+`"`)
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("X-Content-Type-Options", "nosniff")
	m.w.WriteHeader(http.StatusOK)
}

func (m *mediaWriter) Write(b []byte) (int, error) {
	m.commit()
	n, err := m.w.Write(b)
	if err != nil {
		return n, err
	}
	if err := m.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

// Flush is a no-op until the first byte, so an error response can still
// be written.
func (m *mediaWriter) Flush() error {
	if !m.wrote {
		return nil
	}
	if err := m.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (m *mediaWriter) committed() bool {
	return m.wrote
}

func (h *VideoHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *VideoHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
