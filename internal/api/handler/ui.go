package handler

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/iconidentify/vidgrabba/pkg/ui"
)

// UIHandler serves the browser page. A configured static directory
// overrides the embedded page and serves its other files as assets.
type UIHandler struct {
	staticDir string
	files     http.Handler
}

// NewUIHandler creates a new UI handler. staticDir may be empty.
func NewUIHandler(staticDir string) *UIHandler {
	h := &UIHandler{staticDir: staticDir}
	if staticDir != "" {
		h.files = http.FileServer(http.Dir(staticDir))
	}
	return h
}

// Index serves the main page.
func (h *UIHandler) Index(w http.ResponseWriter, r *http.Request) {
	if h.staticDir != "" {
		index := filepath.Join(h.staticDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			http.ServeFile(w, r, index)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(ui.IndexHTML)
}

// Assets serves files from the static directory, if one is configured.
func (h *UIHandler) Assets(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		http.NotFound(w, r)
		return
	}
	h.files.ServeHTTP(w, r)
}
