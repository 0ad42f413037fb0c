// Package ffmpeg detects the ffmpeg binary the extraction tool relies on to
// merge separate video and audio streams.
package ffmpeg

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// Info describes the ffmpeg found on the host.
type Info struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
}

var lookPath = exec.LookPath

// Detect looks for ffmpeg in PATH and reads its version line.
func Detect(ctx context.Context) Info {
	path, err := lookPath("ffmpeg")
	if err != nil {
		return Info{}
	}
	info := Info{Available: true, Path: path}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return info
	}
	info.Version = parseVersion(string(out))
	return info
}

// parseVersion extracts "6.1.1" from "ffmpeg version 6.1.1 Copyright ...".
func parseVersion(out string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Fields(line)
	if len(fields) >= 3 && fields[0] == "ffmpeg" && fields[1] == "version" {
		return fields[2]
	}
	return strings.TrimSpace(line)
}
