package domain

import (
	"net/url"
	"strings"
)

// VideoMetadata is the normalized subset of the tool's describe output.
// Absent optional fields serialize as null.
type VideoMetadata struct {
	Title     *string            `json:"title"`
	Thumbnail *string            `json:"thumbnail"`
	Duration  *int64             `json:"duration"`
	Uploader  *string            `json:"uploader"`
	ViewCount *int64             `json:"view_count"`
	Formats   []FormatDescriptor `json:"formats"`
}

// FormatDescriptor is one entry of the tool's reported format list.
type FormatDescriptor struct {
	FormatID      string  `json:"format_id"`
	Extension     string  `json:"ext"`
	FileSizeBytes *int64  `json:"filesize"`
	Resolution    *string `json:"resolution"`
}

// DownloadRequest asks for a media stream. Format is an opaque selector
// handed to the tool verbatim; empty means the configured default.
type DownloadRequest struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
}

// ValidateURL checks that raw is an absolute http or https URL with a host.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrInvalidURL
	}
	if u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}
