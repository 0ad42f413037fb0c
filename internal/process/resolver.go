package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/iconidentify/vidgrabba/internal/config"
	"github.com/iconidentify/vidgrabba/internal/domain"
)

// Tool sources reported by ToolInfo.
const (
	SourceConfigured = "configured"
	SourceAllowList  = "allow-list"
	SourcePath       = "path"
	SourceInstalled  = "installed"
)

// ToolInfo is the resolved extraction tool. It is computed once at startup
// and read-only afterwards.
type ToolInfo struct {
	Path    string   `json:"path"`
	Source  string   `json:"source"`
	Version string   `json:"version,omitempty"`
	Env     []string `json:"-"`
}

// Resolver locates the extraction tool, installing it if allowed.
type Resolver struct {
	cfg    config.ToolConfig
	logger *slog.Logger
	retry  RetryConfig

	// Swappable for tests.
	lookPath   func(string) (string, error)
	runInstall func(ctx context.Context, argv, env []string) ([]byte, error)
	environ    func() []string
	homeDir    func() (string, error)
}

// NewResolver creates a new resolver.
func NewResolver(cfg config.ToolConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:        cfg,
		logger:     logger,
		retry:      DefaultRetryConfig(),
		lookPath:   exec.LookPath,
		runInstall: runCommand,
		environ:    os.Environ,
		homeDir:    os.UserHomeDir,
	}
}

// Resolve finds the tool: explicit path, then the allow-list, then PATH,
// then a best-effort install followed by another search.
func (r *Resolver) Resolve(ctx context.Context) (ToolInfo, error) {
	installDir := r.expand(r.cfg.InstallDir)
	env := withPathDir(r.environ(), installDir)

	if path, source, ok := r.search(installDir); ok {
		return ToolInfo{Path: path, Source: source, Env: env}, nil
	}

	if !r.cfg.AutoInstall || len(r.cfg.InstallCommand) == 0 {
		return ToolInfo{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, r.toolName())
	}

	r.logger.Warn("extraction tool not found, attempting install",
		"tool", r.toolName(),
		"command", r.cfg.InstallCommand,
	)

	if err := r.install(ctx, env); err != nil {
		return ToolInfo{}, fmt.Errorf("%w: install failed: %v", domain.ErrToolNotFound, err)
	}

	if path, _, ok := r.search(installDir); ok {
		r.logger.Info("extraction tool installed", "path", path)
		return ToolInfo{Path: path, Source: SourceInstalled, Env: env}, nil
	}

	return ToolInfo{}, fmt.Errorf("%w: %s not found after install", domain.ErrToolNotFound, r.toolName())
}

func (r *Resolver) search(installDir string) (string, string, bool) {
	if r.cfg.Path != "" {
		p := r.expand(r.cfg.Path)
		if isExecutable(p) {
			return p, SourceConfigured, true
		}
		r.logger.Warn("configured tool path is not executable", "path", p)
	}

	for _, candidate := range r.cfg.SearchPaths {
		p := r.expand(strings.TrimSpace(candidate))
		if p != "" && isExecutable(p) {
			return p, SourceAllowList, true
		}
	}

	name := r.toolName()
	if p, err := r.lookPath(name); err == nil {
		return p, SourcePath, true
	}

	if installDir != "" {
		p := filepath.Join(installDir, name)
		if isExecutable(p) {
			return p, SourceAllowList, true
		}
	}

	return "", "", false
}

func (r *Resolver) install(ctx context.Context, env []string) error {
	timeout := r.cfg.InstallTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := r.cfg.InstallCommand
	_, err := Retry(ctx, r.retry, func() ([]byte, error) {
		out, err := r.runInstall(ctx, argv, env)
		if err != nil {
			r.logger.Warn("tool install attempt failed",
				"error", err,
				"output_tail", lastBytes(string(out), 2048),
			)
		}
		return out, err
	}, func(err error) bool {
		// A missing installer won't appear between attempts.
		return !errors.Is(err, exec.ErrNotFound) && ctx.Err() == nil
	})
	return err
}

// Version runs the tool with --version and returns the first output line.
func (r *Resolver) Version(ctx context.Context, tool ToolInfo) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, tool.Path, "--version")
	cmd.Env = tool.Env
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tool version: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}

func (r *Resolver) toolName() string {
	if r.cfg.Name != "" {
		return r.cfg.Name
	}
	return filepath.Base(r.cfg.Path)
}

func (r *Resolver) expand(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := r.homeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

func runCommand(ctx context.Context, argv, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// withPathDir returns a copy of env whose PATH starts with dir. The running
// process's own environment is never modified.
func withPathDir(env []string, dir string) []string {
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		key, val, _ := strings.Cut(kv, "=")
		if strings.EqualFold(key, "PATH") && !found {
			found = true
			if dir != "" && !containsPathDir(val, dir) {
				if val == "" {
					val = dir
				} else {
					val = dir + string(os.PathListSeparator) + val
				}
			}
			out = append(out, key+"="+val)
			continue
		}
		out = append(out, kv)
	}
	if !found && dir != "" {
		out = append(out, "PATH="+dir)
	}
	return out
}

func containsPathDir(pathList, dir string) bool {
	for _, p := range filepath.SplitList(pathList) {
		if filepath.Clean(p) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// lastBytes keeps the final n bytes of s, where installers print the error.
func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
