// Package config provides the configuration schema, loader, and capture
// backend registry for mirrorlive.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects the response variant of the live session.
type Mode string

const (
	// ModeAudio asks for spoken answers only.
	ModeAudio Mode = "audio"

	// ModeChat asks for spoken answers with text and enables image
	// generation.
	ModeChat Mode = "chat"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeAudio || m == ModeChat
}

// CaptureMode selects when recordings run.
type CaptureMode string

const (
	// CaptureContinuous records for as long as the connection is open.
	CaptureContinuous CaptureMode = "continuous"

	// CaptureTriggered records only when asked to.
	CaptureTriggered CaptureMode = "triggered"
)

// IsValid reports whether c is a recognised capture mode.
func (c CaptureMode) IsValid() bool {
	return c == CaptureContinuous || c == CaptureTriggered
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Audio     AudioConfig     `yaml:"audio"`
	Capture   CaptureConfig   `yaml:"capture"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig holds the helper HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health, metrics and WebSocket
	// endpoints (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// GeminiConfig configures the live service connection.
type GeminiConfig struct {
	// APIKey is used when a start command carries no key.
	APIKey string `yaml:"api_key"`

	// Model is the live model identifier.
	Model string `yaml:"model"`

	// BaseURL overrides the WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Mode selects audio-only or chat responses.
	Mode Mode `yaml:"mode"`

	// Voice selects a prebuilt voice.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction of every session.
	Instructions string `yaml:"instructions"`

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AudioConfig describes the captured format and the capture backend.
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	BitDepth   int    `yaml:"bit_depth"`
	Device     string `yaml:"device"`

	// ChunkMs is the audio length of one transmitted chunk.
	ChunkMs int `yaml:"chunk_ms"`

	// Backend names the registered capture backend (arecord, ffmpeg, command).
	Backend string `yaml:"backend"`

	// Command is the capture command line for the command backend.
	// Placeholders {rate}, {channels}, {bits} and {device} are expanded.
	Command string `yaml:"command"`
}

// CaptureConfig selects when recordings run.
type CaptureConfig struct {
	Mode CaptureMode `yaml:"mode"`

	// DurationMs is the default length of a triggered recording.
	DurationMs int `yaml:"duration_ms"`
}

// BridgeConfig selects the transports of the notification bridge.
type BridgeConfig struct {
	// Stdio emits events as JSON lines on stdout and reads commands from
	// stdin.
	Stdio bool `yaml:"stdio"`

	// WebSocketPath mounts the WebSocket hub on the HTTP server. Empty
	// disables it.
	WebSocketPath string `yaml:"websocket_path"`

	// AllowedOrigins lists browser origin patterns accepted by the
	// WebSocket hub. Empty accepts same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// NATS publishes events and receives commands over NATS when Servers is
	// set.
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the NATS bridge.
type NATSConfig struct {
	Servers          []string `yaml:"servers"`
	SubjectPrefix    string   `yaml:"subject_prefix"`
	Token            string   `yaml:"token"`
	ConnectTimeoutMs int      `yaml:"connect_timeout_ms"`
}

// HistoryConfig configures the local turn history.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables the history.
	Path string `yaml:"path"`

	// RetentionDays prunes older entries on start. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// TraceExporter selects where spans go.
type TraceExporter string

const (
	TraceExporterNone   TraceExporter = "none"
	TraceExporterStdout TraceExporter = "stdout"
	TraceExporterOTLP   TraceExporter = "otlp"
)

// IsValid reports whether e is a known exporter.
func (e TraceExporter) IsValid() bool {
	switch e {
	case TraceExporterNone, TraceExporterStdout, TraceExporterOTLP:
		return true
	}
	return false
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceExporter is "none" (default), "stdout" or "otlp". The stdout
	// exporter writes to stderr so it never mixes with the stdio bridge.
	TraceExporter TraceExporter `yaml:"trace_exporter"`

	// OTLPEndpoint is the collector's gRPC host:port. Required for "otlp".
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// ReconnectConfig tunes the breaker that guards reconnects issued by
// recording triggers.
type ReconnectConfig struct {
	// MaxFailures is the number of consecutive connect failures that
	// suspend reconnects.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long reconnects stay suspended.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
