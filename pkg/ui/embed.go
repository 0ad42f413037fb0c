// Package ui provides the embedded browser page served at /.
//
// The page talks to the API only: it previews a URL through
// /api/video-info and submits /api/download as a plain form post so the
// browser's own download manager receives the attachment.
package ui

import (
	_ "embed"
)

// IndexHTML is the single-page downloader UI.
//
//go:embed index.html
var IndexHTML []byte
