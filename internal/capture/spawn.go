package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/MrWong99/mirrorlive/pkg/audio"
)

// SpawnConfig describes the capture a [Spawner] should start.
type SpawnConfig struct {
	Audio audio.Config
	Mode  Mode
}

// Spawner starts capture processes.
type Spawner interface {
	Spawn(ctx context.Context, cfg SpawnConfig) (Process, error)
}

// Process is a running capture process.
type Process interface {
	// Stream yields raw PCM in the requested format.
	Stream() io.Reader

	// Stop terminates the process and releases its resources. Safe to call
	// more than once.
	Stop() error

	// Exited delivers the exit status once the process has ended on its
	// own or after Stop. The channel is closed after the value is sent.
	Exited() <-chan error
}

// Backend names understood by [NewExecSpawner].
const (
	BackendArecord = "arecord"
	BackendFFmpeg  = "ffmpeg"
	BackendCommand = "command"
)

// ExecSpawner runs a capture command as an OS subprocess that writes raw
// little-endian PCM to stdout.
type ExecSpawner struct {
	backend string
	command string
	goos    string
}

// NewExecSpawner returns a spawner for backend. For [BackendCommand], command
// is a shell-style command line whose stdout is the PCM stream; it may use
// the placeholders {rate}, {channels}, {bits} and {device}.
func NewExecSpawner(backend, command string) (*ExecSpawner, error) {
	switch backend {
	case BackendArecord, BackendFFmpeg:
	case BackendCommand:
		if strings.TrimSpace(command) == "" {
			return nil, errors.New("capture: command backend needs a command line")
		}
	default:
		return nil, fmt.Errorf("capture: unknown backend %q", backend)
	}
	return &ExecSpawner{backend: backend, command: command, goos: runtime.GOOS}, nil
}

// Args returns the program and argument list the spawner would execute for
// cfg.
func (s *ExecSpawner) Args(cfg SpawnConfig) (string, []string, error) {
	a := cfg.Audio
	switch s.backend {
	case BackendArecord:
		return "arecord", arecordArgs(a), nil
	case BackendFFmpeg:
		args, err := ffmpegArgs(s.goos, a)
		return "ffmpeg", args, err
	default:
		line := expandPlaceholders(s.command, a)
		words, err := shellwords.Parse(line)
		if err != nil {
			return "", nil, fmt.Errorf("capture: parse command: %w", err)
		}
		if len(words) == 0 {
			return "", nil, errors.New("capture: empty command")
		}
		return words[0], words[1:], nil
	}
}

// Check reports whether the capture program is installed.
func (s *ExecSpawner) Check() error {
	name, _, err := s.Args(SpawnConfig{Audio: audio.DefaultConfig()})
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("capture: %s not found in PATH: %w", name, err)
	}
	return nil
}

// Spawn starts the capture process.
func (s *ExecSpawner) Spawn(ctx context.Context, cfg SpawnConfig) (Process, error) {
	name, args, err := s.Args(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("capture: %s not found in PATH: %w", name, err)
	}

	// The pipe is owned here rather than by exec.Cmd so that Wait can run
	// concurrently with reads without closing the stream under the reader.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("capture: open %s stdout: %w", name, err)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = w
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("capture: start %s: %w", name, err)
	}
	w.Close()
	slog.Debug("capture: process started", "cmd", name, "pid", cmd.Process.Pid)

	p := &execProcess{cmd: cmd, stdout: r, exited: make(chan error, 1)}
	go p.wait()
	return p, nil
}

func arecordArgs(a audio.Config) []string {
	args := []string{
		"-q",
		"-t", "raw",
		"-f", fmt.Sprintf("S%d_LE", a.BitDepth),
		"-r", strconv.Itoa(a.SampleRate),
		"-c", strconv.Itoa(a.Channels),
	}
	if a.Device != "" {
		args = append(args, "-D", a.Device)
	}
	return append(args, "-")
}

func ffmpegArgs(goos string, a audio.Config) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		dev := a.Device
		if dev == "" || dev == "default" {
			dev = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", dev}
	case "linux":
		dev := a.Device
		if dev == "" {
			dev = "default"
		}
		input = []string{"-f", "pulse", "-i", dev}
	default:
		return nil, fmt.Errorf("capture: ffmpeg capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args,
		"-ac", strconv.Itoa(a.Channels),
		"-ar", strconv.Itoa(a.SampleRate),
		"-f", fmt.Sprintf("s%dle", a.BitDepth),
		"-",
	), nil
}

func expandPlaceholders(line string, a audio.Config) string {
	return strings.NewReplacer(
		"{rate}", strconv.Itoa(a.SampleRate),
		"{channels}", strconv.Itoa(a.Channels),
		"{bits}", strconv.Itoa(a.BitDepth),
		"{device}", a.Device,
	).Replace(line)
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	exited chan error
	once   sync.Once
}

func (p *execProcess) Stream() io.Reader { return p.stdout }

func (p *execProcess) Exited() <-chan error { return p.exited }

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.exited <- err
	close(p.exited)
}

// Stop kills the process and closes the read end of its output. Wait is
// owned by the wait goroutine.
func (p *execProcess) Stop() error {
	var err error
	p.once.Do(func() {
		if p.cmd.Process != nil {
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = fmt.Errorf("capture: kill: %w", kerr)
			}
		}
		if cerr := p.stdout.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("capture: close stream: %w", cerr)
		}
	})
	return err
}
