package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/vidgrabba/internal/process"
	"github.com/iconidentify/vidgrabba/internal/worker"
	"github.com/iconidentify/vidgrabba/pkg/ffmpeg"
)

var startTime = time.Now()

// WarmupReporter exposes warm-up counters.
type WarmupReporter interface {
	Stats() worker.Stats
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	tool   process.ToolInfo
	merger ffmpeg.Info
	warmup WarmupReporter
}

// NewHealthHandler creates a new health handler. warmup may be nil.
func NewHealthHandler(tool process.ToolInfo, merger ffmpeg.Info, warmup WarmupReporter) *HealthHandler {
	return &HealthHandler{
		tool:   tool,
		merger: merger,
		warmup: warmup,
	}
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status        string         `json:"status"`
	Timestamp     string         `json:"timestamp"`
	Uptime        string         `json:"uptime,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds,omitempty"`
	Tool          *ToolStatus    `json:"tool,omitempty"`
	Merger        *ffmpeg.Info   `json:"merger,omitempty"`
	Warmup        *WarmupStatus  `json:"warmup,omitempty"`
	Runtime       *RuntimeStatus `json:"runtime,omitempty"`
}

// ToolStatus describes the resolved extraction tool.
type ToolStatus struct {
	Path    string `json:"path"`
	Source  string `json:"source"`
	Version string `json:"version,omitempty"`
}

// WarmupStatus reports the periodic warm-up task.
type WarmupStatus struct {
	Enabled       bool   `json:"enabled"`
	Interval      string `json:"interval,omitempty"`
	Runs          int64  `json:"runs"`
	Failures      int64  `json:"failures"`
	LastRun       string `json:"last_run,omitempty"`
	LastRunMillis int64  `json:"last_run_duration_ms,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// RuntimeStatus contains process resource statistics.
type RuntimeStatus struct {
	Goroutines int     `json:"goroutines"`
	NumCPU     int     `json:"num_cpu"`
	MemAlloc   string  `json:"mem_alloc"`
	MemSys     string  `json:"mem_sys"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Live handles GET /health
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(startTime)

	resp := HealthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Uptime:        formatUptime(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		Tool: &ToolStatus{
			Path:    h.tool.Path,
			Source:  h.tool.Source,
			Version: h.tool.Version,
		},
		Merger: &h.merger,
		Warmup: h.warmupStatus(),
		Runtime: &RuntimeStatus{
			Goroutines: runtime.NumGoroutine(),
			NumCPU:     runtime.NumCPU(),
			MemAlloc:   humanize.Bytes(m.Alloc),
			MemSys:     humanize.Bytes(m.Sys),
			CPUPercent: getCPUUsage(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// Ready handles GET /ready - the resolved tool must still be on disk.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := os.Stat(h.tool.Path); h.tool.Path == "" || err != nil {
		status = http.StatusServiceUnavailable
		resp.Status = "error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *HealthHandler) warmupStatus() *WarmupStatus {
	if h.warmup == nil {
		return &WarmupStatus{Enabled: false}
	}
	s := h.warmup.Stats()
	ws := &WarmupStatus{
		Enabled:   s.Enabled,
		Interval:  s.Interval.String(),
		Runs:      s.Runs,
		Failures:  s.Failures,
		LastError: s.LastError,
	}
	if !s.LastRunAt.IsZero() {
		ws.LastRun = humanize.Time(s.LastRunAt)
		ws.LastRunMillis = s.LastDuration.Milliseconds()
	}
	return ws
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}
