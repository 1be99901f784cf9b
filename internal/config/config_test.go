package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/mirrorlive/internal/capture"
	"github.com/MrWong99/mirrorlive/internal/config"
)

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
gemini:
  api_key: abc
  mode: chat
  voice: Puck
  connect_timeout: 5s
audio:
  sample_rate: 24000
  chunk_ms: 50
  backend: ffmpeg
capture:
  mode: continuous
bridge:
  stdio: true
  websocket_path: /events
  nats:
    servers: ["nats://127.0.0.1:4222"]
history:
  path: /tmp/history.db
  retention_days: 7
reconnect:
  max_failures: 5
  reset_timeout: 1m
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Gemini.Mode != config.ModeChat || cfg.Gemini.ConnectTimeout != 5*time.Second {
		t.Errorf("gemini = %+v", cfg.Gemini)
	}
	if got := cfg.AudioFormat(); got.SampleRate != 24000 || got.Channels != 1 || got.BitDepth != 16 {
		t.Errorf("audio format = %+v", got)
	}
	if cfg.ChunkDuration() != 50*time.Millisecond {
		t.Errorf("chunk duration = %s", cfg.ChunkDuration())
	}
	if cfg.Capture.Mode != config.CaptureContinuous {
		t.Errorf("capture mode = %q", cfg.Capture.Mode)
	}
	if cfg.Bridge.NATS.SubjectPrefix != config.DefaultSubjectPrefix {
		t.Errorf("subject prefix = %q", cfg.Bridge.NATS.SubjectPrefix)
	}
	if cfg.RetentionPeriod() != 7*24*time.Hour {
		t.Errorf("retention = %s", cfg.RetentionPeriod())
	}
	if cfg.Reconnect.MaxFailures != 5 || cfg.Reconnect.ResetTimeout != time.Minute {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Gemini.Mode != config.ModeAudio || cfg.Gemini.ConnectTimeout != config.DefaultConnectTimeout {
		t.Errorf("gemini = %+v", cfg.Gemini)
	}
	if cfg.Audio.Backend != capture.BackendArecord || cfg.Audio.ChunkMs != config.DefaultChunkMs {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Capture.Mode != config.CaptureTriggered || cfg.RecordDuration() != 3*time.Second {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.Telemetry.ServiceName != "mirrorlive" {
		t.Errorf("service name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("gemini:\n  apikey: x\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
gemini:
  mode: video
audio:
  bit_depth: 12
  backend: pulse
capture:
  mode: sometimes
bridge:
  websocket_path: ws
history:
  retention_days: -1
telemetry:
  trace_exporter: jaeger
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"server.log_level",
		"gemini.mode",
		"bit depth 12",
		"audio.backend",
		"capture.mode",
		"bridge.websocket_path",
		"history.retention_days",
		"telemetry.trace_exporter",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_OTLPNeedsEndpoint(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("telemetry:\n  trace_exporter: otlp\n"))
	if err == nil || !strings.Contains(err.Error(), "telemetry.otlp_endpoint") {
		t.Fatalf("err = %v, want otlp_endpoint error", err)
	}
}

func TestValidate_CommandBackendNeedsCommand(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  backend: command\n"))
	if err == nil || !strings.Contains(err.Error(), "audio.command") {
		t.Fatalf("err = %v, want audio.command error", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{"KEY": "secret", "EMPTY": ""}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	tests := []struct {
		in, want string
	}{
		{"${KEY}", "secret"},
		{"key=${KEY}!", "key=secret!"},
		{"${MISSING}", ""},
		{"${MISSING:-fallback}", "fallback"},
		{"${EMPTY:-fallback}", "fallback"},
		{"$KEY", "$KEY"},
	}
	for _, tt := range tests {
		if got := config.ExpandEnv(tt.in, lookup); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("MIRRORLIVE_TEST_KEY", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("gemini:\n  api_key: ${MIRRORLIVE_TEST_KEY}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gemini.APIKey != "from-env" {
		t.Errorf("api key = %q", cfg.Gemini.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().CreateSpawner(config.AudioConfig{Backend: "pulse"})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestRegistry_Default(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()
	if got := r.Names(); strings.Join(got, ",") != "arecord,command,ffmpeg" {
		t.Errorf("Names = %v", got)
	}
	sp, err := r.CreateSpawner(config.AudioConfig{Backend: capture.BackendCommand, Command: "sox -d -t raw -r {rate} -"})
	if err != nil {
		t.Fatalf("CreateSpawner: %v", err)
	}
	if _, ok := sp.(*capture.ExecSpawner); !ok {
		t.Errorf("spawner is %T", sp)
	}
	if _, err := r.CreateSpawner(config.AudioConfig{Backend: capture.BackendCommand}); err == nil {
		t.Error("command backend without command should fail")
	}
}

func TestRegistry_Override(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()
	want := errors.New("factory failed")
	r.RegisterSpawner(capture.BackendArecord, func(config.AudioConfig) (capture.Spawner, error) { return nil, want })
	if _, err := r.CreateSpawner(config.AudioConfig{Backend: capture.BackendArecord}); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}
