package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/iconidentify/vidgrabba/internal/api"
	"github.com/iconidentify/vidgrabba/internal/api/handler"
	"github.com/iconidentify/vidgrabba/internal/config"
	"github.com/iconidentify/vidgrabba/internal/extractor"
	"github.com/iconidentify/vidgrabba/internal/process"
	"github.com/iconidentify/vidgrabba/internal/service"
	"github.com/iconidentify/vidgrabba/internal/worker"
	"github.com/iconidentify/vidgrabba/pkg/ffmpeg"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env-file", ".env", "Path to .env file (optional)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vidgrabba %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// A missing .env is normal outside development.
	envErr := godotenv.Load(*envFile)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting vidgrabba",
		"version", Version,
		"build_time", BuildTime,
	)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to load env file", "path", *envFile, "error", envErr)
	}

	// Resolve the extraction tool once; nothing works without it.
	resolveCtx, cancelResolve := context.WithTimeout(context.Background(), cfg.Tool.InstallTimeout+time.Minute)
	resolver := process.NewResolver(cfg.Tool, logger)
	tool, err := resolver.Resolve(resolveCtx)
	cancelResolve()
	if err != nil {
		logger.Error("extraction tool unavailable", "error", err)
		os.Exit(1)
	}
	if v, err := resolver.Version(context.Background(), tool); err != nil {
		logger.Warn("failed to read tool version", "path", tool.Path, "error", err)
	} else {
		tool.Version = v
	}
	logger.Info("extraction tool resolved",
		"path", tool.Path,
		"source", tool.Source,
		"version", tool.Version,
	)

	merger := ffmpeg.Detect(context.Background())
	if !merger.Available {
		logger.Warn("ffmpeg not found; format selections that merge video and audio will fail")
	}

	// Initialize services
	launcher := process.NewExecLauncher(tool, logger)
	args := extractor.NewArgs(cfg.Tool, cfg.Stream)
	metadataSvc := service.NewMetadataService(launcher, args, cfg.Fetch, logger)
	streamSvc := service.NewStreamService(launcher, args, cfg.Stream, logger)

	// Optional warm-up task
	var warmer *worker.Warmer
	var warmup handler.WarmupReporter
	if cfg.Warmup.Enabled {
		warmer = worker.NewWarmer(cfg.Warmup, launcher, args, logger)
		warmup = warmer
		warmer.Start()
	}

	// Initialize handlers
	videoHandler := handler.NewVideoHandler(metadataSvc, streamSvc, cfg.Stream.Filename, cfg.Stream.ContentType, logger)
	healthHandler := handler.NewHealthHandler(tool, merger, warmup)
	uiHandler := handler.NewUIHandler(cfg.Server.StaticDir)

	var limiter *rate.Limiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}

	// Setup router
	router := api.NewRouter(videoHandler, healthHandler, uiHandler, cfg.Server.AllowedOrigins, limiter)

	// Setup HTTP server. No WriteTimeout: downloads are long-lived streams.
	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting new requests. In-flight downloads that outlive the
	// timeout are cut off, which kills their tool processes.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
		srv.Close()
	}

	if warmer != nil {
		if err := warmer.Stop(5 * time.Second); err != nil {
			logger.Error("warmer shutdown error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
