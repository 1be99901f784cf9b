// Command mirrorlive runs the live streaming session manager: it captures
// microphone audio, streams it to a live generative service and reports
// the service's answers to a presentation layer over stdio, WebSocket or
// NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/mirrorlive/internal/app"
	"github.com/MrWong99/mirrorlive/internal/config"
	"github.com/MrWong99/mirrorlive/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	key := flag.String("key", "", "API key; overrides gemini.api_key")
	stdio := flag.Bool("stdio", false, "enable the stdio bridge regardless of bridge.stdio")
	autostart := flag.Bool("autostart", false, "open the session right away instead of waiting for a start command")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mirrorlive: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mirrorlive: %v\n", err)
		}
		return 1
	}
	if *key != "" {
		cfg.Gemini.APIKey = *key
	}
	if *stdio {
		cfg.Bridge.Stdio = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs go to stderr; stdout may carry the stdio bridge.
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mirrorlive starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Exporter:       string(cfg.Telemetry.TraceExporter),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *autostart {
		if err := application.Controller().Start(""); err != nil {
			slog.Error("autostart failed", "err", err)
		}
	}

	slog.Info("ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig loads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Gemini.APIKey = config.ExpandEnv("${GEMINI_API_KEY}", os.LookupEnv)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger returns a JSON logger on stderr at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// printStartupSummary logs which bridges and backends are active.
func printStartupSummary(cfg *config.Config) {
	var bridges []string
	if cfg.Bridge.Stdio {
		bridges = append(bridges, "stdio")
	}
	if cfg.Bridge.WebSocketPath != "" {
		bridges = append(bridges, "websocket "+cfg.Bridge.WebSocketPath)
	}
	if len(cfg.Bridge.NATS.Servers) > 0 {
		bridges = append(bridges, "nats "+strings.Join(cfg.Bridge.NATS.Servers, ","))
	}
	if len(bridges) == 0 {
		bridges = append(bridges, "none")
	}

	slog.Info("configuration",
		"mode", cfg.Gemini.Mode,
		"model", cfg.Gemini.Model,
		"api_key_set", cfg.Gemini.APIKey != "",
		"capture", cfg.Capture.Mode,
		"backend", cfg.Audio.Backend,
		"audio", cfg.AudioFormat().MIME(),
		"chunk_ms", cfg.Audio.ChunkMs,
		"bridges", strings.Join(bridges, "; "),
		"history", cfg.History.Path != "",
		"trace_exporter", cfg.Telemetry.TraceExporter,
	)
}
