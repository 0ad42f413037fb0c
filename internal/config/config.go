package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultFormat caps resolution at 720p to bound bandwidth and latency.
const DefaultFormat = "bv*[height<=720][ext=mp4]+ba[ext=m4a]/b[height<=720][ext=mp4]/best[height<=720]"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tool      ToolConfig      `yaml:"tool"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Stream    StreamConfig    `yaml:"stream"`
	Warmup    WarmupConfig    `yaml:"warmup"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `yaml:"port" envconfig:"PORT" default:"3000"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"*"`
	StaticDir       string        `yaml:"static_dir" envconfig:"SERVER_STATIC_DIR"`
}

// ToolConfig describes how to find and invoke the extraction tool.
// InfoArgs and StreamArgs are argv templates; {url} and {format} are
// replaced as whole tokens.
type ToolConfig struct {
	Path           string        `yaml:"path" envconfig:"TOOL_PATH"`
	Name           string        `yaml:"name" envconfig:"TOOL_NAME" default:"yt-dlp"`
	SearchPaths    []string      `yaml:"search_paths" envconfig:"TOOL_SEARCH_PATHS" default:"/usr/local/bin/yt-dlp,/usr/bin/yt-dlp,/opt/homebrew/bin/yt-dlp,~/.local/bin/yt-dlp"`
	AutoInstall    bool          `yaml:"auto_install" envconfig:"TOOL_AUTO_INSTALL" default:"true"`
	InstallCommand []string      `yaml:"install_command" envconfig:"TOOL_INSTALL_COMMAND" default:"python3,-m,pip,install,--user,-U,yt-dlp"`
	InstallDir     string        `yaml:"install_dir" envconfig:"TOOL_INSTALL_DIR" default:"~/.local/bin"`
	InstallTimeout time.Duration `yaml:"install_timeout" envconfig:"TOOL_INSTALL_TIMEOUT" default:"3m"`
	InfoArgs       []string      `yaml:"info_args" envconfig:"TOOL_INFO_ARGS"`
	StreamArgs     []string      `yaml:"stream_args" envconfig:"TOOL_STREAM_ARGS"`
}

// FetchConfig holds metadata fetch configuration.
type FetchConfig struct {
	MaxMetadataBytes int64         `yaml:"max_metadata_bytes" envconfig:"FETCH_MAX_METADATA_BYTES" default:"8388608"` // 8MB
	Timeout          time.Duration `yaml:"timeout" envconfig:"FETCH_TIMEOUT" default:"60s"`
}

// StreamConfig holds media streaming configuration.
type StreamConfig struct {
	DefaultFormat string        `yaml:"default_format" envconfig:"STREAM_DEFAULT_FORMAT"`
	Filename      string        `yaml:"filename" envconfig:"STREAM_FILENAME" default:"video.mp4"`
	ContentType   string        `yaml:"content_type" envconfig:"STREAM_CONTENT_TYPE" default:"video/mp4"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"STREAM_TIMEOUT" default:"0s"` // 0 disables
	ChunkSize     int           `yaml:"chunk_size" envconfig:"STREAM_CHUNK_SIZE" default:"32768"`
}

// WarmupConfig holds the periodic keep-alive invocation configuration.
type WarmupConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"WARMUP_ENABLED" default:"false"`
	Interval time.Duration `yaml:"interval" envconfig:"WARMUP_INTERVAL" default:"10m"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"WARMUP_TIMEOUT" default:"30s"`
	URL      string        `yaml:"url" envconfig:"WARMUP_URL"`
}

// RateLimitConfig bounds how fast API requests may spawn tool processes.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" envconfig:"RATE_LIMIT_RPS" default:"10"`
	Burst             int     `yaml:"burst" envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from file and environment variables.
// Tag defaults come first, then the file, then any environment variable
// that is actually set.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}

		env := &Config{}
		if err := envconfig.Process("", env); err != nil {
			return nil, fmt.Errorf("process environment: %w", err)
		}
		overlayEnv(reflect.ValueOf(cfg).Elem(), reflect.ValueOf(env).Elem(), "")
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// overlayEnv copies from src into dst every field whose environment
// variable is set. Section fields are matched by their envconfig name and
// by the SECTION_NAME form envconfig also accepts.
func overlayEnv(dst, src reflect.Value, prefix string) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() == reflect.Struct {
			overlayEnv(dst.Field(i), src.Field(i), strings.ToUpper(f.Name))
			continue
		}
		tag := f.Tag.Get("envconfig")
		if tag == "" {
			continue
		}
		if envSet(tag) || (prefix != "" && envSet(prefix+"_"+tag)) {
			dst.Field(i).Set(src.Field(i))
		}
	}
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

// applyDefaults fills values that envconfig tags cannot express.
func (c *Config) applyDefaults() {
	if c.Stream.DefaultFormat == "" {
		c.Stream.DefaultFormat = DefaultFormat
	}
	if len(c.Tool.InfoArgs) == 0 {
		c.Tool.InfoArgs = DefaultInfoArgs()
	}
	if len(c.Tool.StreamArgs) == 0 {
		c.Tool.StreamArgs = DefaultStreamArgs()
	}
}

// DefaultInfoArgs is the describe-mode template for yt-dlp.
func DefaultInfoArgs() []string {
	return []string{"--dump-json", "--no-download", "--no-playlist", "--no-warnings", "{url}"}
}

// DefaultStreamArgs is the emit-mode template for yt-dlp.
func DefaultStreamArgs() []string {
	return []string{
		"--format", "{format}",
		"--no-part",
		"--no-playlist",
		"--newline",
		"--progress",
		"--output", "-",
		"{url}",
	}
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if c.Tool.Path == "" && c.Tool.Name == "" {
		return fmt.Errorf("TOOL_PATH or TOOL_NAME is required")
	}
	if !containsToken(c.Tool.InfoArgs, "{url}") {
		return fmt.Errorf("TOOL_INFO_ARGS must contain {url}")
	}
	if !containsToken(c.Tool.StreamArgs, "{url}") {
		return fmt.Errorf("TOOL_STREAM_ARGS must contain {url}")
	}
	if c.Fetch.MaxMetadataBytes <= 0 {
		return fmt.Errorf("FETCH_MAX_METADATA_BYTES must be positive")
	}
	if c.Stream.ChunkSize <= 0 {
		return fmt.Errorf("STREAM_CHUNK_SIZE must be positive")
	}
	if c.Warmup.Enabled && c.Warmup.Interval <= 0 {
		return fmt.Errorf("WARMUP_INTERVAL must be positive when warmup is enabled")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", s)
}

func containsToken(args []string, token string) bool {
	for _, a := range args {
		if a == token {
			return true
		}
	}
	return false
}
