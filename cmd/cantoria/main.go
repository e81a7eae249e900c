// Command cantoria is the main entry point for the Cantoria singing-voice
// synthesis backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cantoria/cantoria/internal/app"
	"github.com/cantoria/cantoria/internal/config"
	"github.com/cantoria/cantoria/internal/observe"
	"github.com/cantoria/cantoria/internal/worker"
)

// Exit codes. 64 follows EX_USAGE for configuration mistakes, 70 follows
// EX_SOFTWARE for a worker fleet that cannot be brought up.
const (
	exitOK          = 0
	exitBadConfig   = 64
	exitWorkerStart = 70
	exitFailure     = 1
)

// version is stamped by the build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cantoria", version)
		return exitOK
	}

	// The watcher doubles as the loader: it validates the file up front
	// and re-applies hot-reloadable settings (the log level) when the
	// file changes.
	level := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, cur *config.Config) {
		if old.Server.LogLevel != cur.Server.LogLevel {
			level.Set(slogLevel(cur.Server.LogLevel))
			slog.Info("log level updated", "level", cur.Server.LogLevel)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cantoria: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cantoria: %v\n", err)
		}
		return exitBadConfig
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("cantoria starting",
		"version", version,
		"config", *configPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cantoria",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitFailure
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if errors.Is(err, worker.ErrStartup) {
			return exitWorkerStart
		}
		return exitFailure
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdown(application)
		return exitFailure
	}

	slog.Info("shutdown signal received, stopping…")
	if !shutdown(application) {
		return exitFailure
	}
	slog.Info("goodbye")
	return exitOK
}

// shutdown drains the application with a bounded grace period.
func shutdown(application *app.App) bool {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return false
	}
	return true
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
