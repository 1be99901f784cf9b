package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/mirrorlive/internal/capture"
	"github.com/MrWong99/mirrorlive/pkg/audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultModel          = "models/gemini-2.0-flash-live-001"
	DefaultConnectTimeout = 15 * time.Second
	DefaultChunkMs        = 100
	DefaultDurationMs     = 3000
	DefaultSubjectPrefix  = "mirrorlive"
	DefaultNATSTimeoutMs  = 5000
	DefaultServiceName    = "mirrorlive"
	DefaultMaxFailures    = 3
	DefaultResetTimeout   = 30 * time.Second
)

const maxChunkMs = 5000

// envPattern matches ${NAME} and ${NAME:-fallback}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references in r, decodes the YAML,
// applies defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := ExpandEnv(string(raw), os.LookupEnv)

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} and ${NAME:-fallback} references using lookup.
// Unset variables without a fallback expand to the empty string.
func ExpandEnv(s string, lookup func(string) (string, bool)) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := envPattern.FindStringSubmatch(m)
		if v, ok := lookup(sub[1]); ok && v != "" {
			return v
		}
		return sub[2]
	})
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = DefaultModel
	}
	if cfg.Gemini.Mode == "" {
		cfg.Gemini.Mode = ModeAudio
	}
	if cfg.Gemini.ConnectTimeout == 0 {
		cfg.Gemini.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = audio.DefaultChannels
	}
	if cfg.Audio.BitDepth == 0 {
		cfg.Audio.BitDepth = audio.DefaultBitDepth
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = audio.DefaultDevice
	}
	if cfg.Audio.ChunkMs == 0 {
		cfg.Audio.ChunkMs = DefaultChunkMs
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = capture.BackendArecord
	}

	if cfg.Capture.Mode == "" {
		cfg.Capture.Mode = CaptureTriggered
	}
	if cfg.Capture.DurationMs == 0 {
		cfg.Capture.DurationMs = DefaultDurationMs
	}

	if cfg.Bridge.NATS.SubjectPrefix == "" {
		cfg.Bridge.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Bridge.NATS.ConnectTimeoutMs == 0 {
		cfg.Bridge.NATS.ConnectTimeoutMs = DefaultNATSTimeoutMs
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = TraceExporterNone
	}

	if cfg.Reconnect.MaxFailures == 0 {
		cfg.Reconnect.MaxFailures = DefaultMaxFailures
	}
	if cfg.Reconnect.ResetTimeout == 0 {
		cfg.Reconnect.ResetTimeout = DefaultResetTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Gemini
	if cfg.Gemini.Mode != "" && !cfg.Gemini.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("gemini.mode %q is invalid; valid values: audio, chat", cfg.Gemini.Mode))
	}
	if cfg.Gemini.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("gemini.connect_timeout %s must not be negative", cfg.Gemini.ConnectTimeout))
	}

	// Audio
	if err := cfg.AudioFormat().Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Audio.ChunkMs < 0 || cfg.Audio.ChunkMs > maxChunkMs {
		errs = append(errs, fmt.Errorf("audio.chunk_ms %d is out of range [1, %d]", cfg.Audio.ChunkMs, maxChunkMs))
	}
	if !slices.Contains(Backends(), cfg.Audio.Backend) {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: %s", cfg.Audio.Backend, strings.Join(Backends(), ", ")))
	}
	if cfg.Audio.Backend == capture.BackendCommand && strings.TrimSpace(cfg.Audio.Command) == "" {
		errs = append(errs, errors.New("audio.command is required when audio.backend is command"))
	}

	// Capture
	if cfg.Capture.Mode != "" && !cfg.Capture.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("capture.mode %q is invalid; valid values: continuous, triggered", cfg.Capture.Mode))
	}
	if cfg.Capture.DurationMs < 0 {
		errs = append(errs, fmt.Errorf("capture.duration_ms %d must not be negative", cfg.Capture.DurationMs))
	}

	// Bridge
	if p := cfg.Bridge.WebSocketPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("bridge.websocket_path %q must start with /", p))
	}
	for i, s := range cfg.Bridge.NATS.Servers {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Errorf("bridge.nats.servers[%d] is empty", i))
		}
	}

	// History
	if cfg.History.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("history.retention_days %d must not be negative", cfg.History.RetentionDays))
	}

	// Telemetry
	if cfg.Telemetry.TraceExporter != "" && !cfg.Telemetry.TraceExporter.IsValid() {
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is invalid; valid values: none, stdout, otlp", cfg.Telemetry.TraceExporter))
	}
	if cfg.Telemetry.TraceExporter == TraceExporterOTLP && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when telemetry.trace_exporter is otlp"))
	}

	// Reconnect
	if cfg.Reconnect.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_failures %d must not be negative", cfg.Reconnect.MaxFailures))
	}

	return errors.Join(errs...)
}

// AudioFormat returns the audio format described by cfg.
func (cfg *Config) AudioFormat() audio.Config {
	return audio.Config{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		BitDepth:   cfg.Audio.BitDepth,
		Device:     cfg.Audio.Device,
	}
}

// ChunkDuration returns audio.chunk_ms as a duration.
func (cfg *Config) ChunkDuration() time.Duration {
	return time.Duration(cfg.Audio.ChunkMs) * time.Millisecond
}

// RecordDuration returns capture.duration_ms as a duration.
func (cfg *Config) RecordDuration() time.Duration {
	return time.Duration(cfg.Capture.DurationMs) * time.Millisecond
}

// RetentionPeriod returns history.retention_days as a duration.
func (cfg *Config) RetentionPeriod() time.Duration {
	return time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
}
