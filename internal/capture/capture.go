// Package capture runs microphone capture episodes on top of a capture
// subprocess and turns its byte stream into ordered [audio.Chunk] values.
//
// A [Pipeline] has at most one active episode. Every episode gets a fresh
// episode ID and its chunks are numbered 1, 2, 3, … Events for an episode
// that has been stopped are never delivered, so a consumer only ever sees
// chunks of the episode it believes is running.
//
// Events are delivered through a [Handler]. The handler may be called from
// the goroutine calling Start or Stop as well as from the pipeline's reader
// and timer goroutines; it must not block and must not call back into the
// pipeline synchronously.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mirrorlive/internal/fault"
	"github.com/MrWong99/mirrorlive/pkg/audio"
)

// DefaultChunkDuration is the audio length of one chunk when the pipeline is
// built without an explicit chunk duration.
const DefaultChunkDuration = 100 * time.Millisecond

// ErrUnexpectedExit is reported when the capture process ends on its own
// while an episode is active.
var ErrUnexpectedExit = errors.New("capture: process exited unexpectedly")

// Mode selects how long an episode runs. A zero Duration records until Stop.
type Mode struct {
	Duration time.Duration
}

// Continuous returns a mode that records until stopped.
func Continuous() Mode { return Mode{} }

// For returns a mode that stops on its own after d.
func For(d time.Duration) Mode { return Mode{Duration: d} }

// IsContinuous reports whether the mode has no time bound.
func (m Mode) IsContinuous() bool { return m.Duration <= 0 }

// String implements [fmt.Stringer].
func (m Mode) String() string {
	if m.IsContinuous() {
		return "continuous"
	}
	return m.Duration.String()
}

// EventKind identifies a pipeline event.
type EventKind int

const (
	// Started is emitted once an episode's process is running.
	Started EventKind = iota
	// ChunkReady carries one chunk of the active episode.
	ChunkReady
	// Failed reports a recording error. It is followed by Stopped when an
	// episode was active.
	Failed
	// Stopped is emitted exactly once per episode that was started.
	Stopped
)

// String implements [fmt.Stringer].
func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case ChunkReady:
		return "chunk"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one pipeline notification.
type Event struct {
	Kind    EventKind
	Episode uint64

	// Chunk is set for ChunkReady.
	Chunk audio.Chunk

	// Err is set for Failed and is always a *fault.Error of kind
	// [fault.KindRecording].
	Err error
}

// Handler receives pipeline events.
type Handler func(Event)

// Timer is a stoppable pending call.
type Timer interface {
	Stop() bool
}

// Clock schedules the end of duration-bounded episodes.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithClock replaces the wall clock used for duration-bounded episodes.
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithChunkDuration sets the audio length of one chunk.
func WithChunkDuration(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.chunkDur = d
		}
	}
}

// Pipeline owns the capture subprocess of the current episode.
//
// All methods are safe for concurrent use.
type Pipeline struct {
	spawner  Spawner
	cfg      audio.Config
	handler  Handler
	clock    Clock
	chunkDur time.Duration

	mu        sync.Mutex
	recording bool
	proc      Process
	episode   uint64 // active episode, 0 when detached
	lastEp    uint64
	seq       int64
	timer     Timer
	cancel    context.CancelFunc
}

// New returns an idle pipeline that spawns capture processes with sp for the
// given audio format and reports to h.
func New(sp Spawner, cfg audio.Config, h Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		spawner:  sp,
		cfg:      cfg,
		handler:  h,
		clock:    realClock{},
		chunkDur: DefaultChunkDuration,
	}
	for _, o := range opts {
		o(p)
	}
	if p.handler == nil {
		p.handler = func(Event) {}
	}
	return p
}

// Recording reports whether an episode is active.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Episode returns the ID of the active episode, or 0.
func (p *Pipeline) Episode() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.episode
}

// ChunkBytes returns the size of every full chunk the pipeline emits.
func (p *Pipeline) ChunkBytes() int {
	return p.cfg.ChunkBytes(p.chunkDur)
}

// Start begins a new episode. A spawn failure is reported as a Failed event
// and is not returned. Starting while an episode is active is ignored.
func (p *Pipeline) Start(ctx context.Context, mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recording {
		slog.Warn("capture: start ignored, already recording", "episode", p.episode)
		return
	}

	p.lastEp++
	ep := p.lastEp

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc, err := p.spawner.Spawn(pctx, SpawnConfig{Audio: p.cfg, Mode: mode})
	if err != nil {
		cancel()
		slog.Warn("capture: spawn failed", "episode", ep, "err", err)
		p.handler(Event{Kind: Failed, Episode: ep, Err: fault.New(fault.KindRecording, fmt.Errorf("capture: spawn: %w", err))})
		return
	}

	p.recording = true
	p.proc = proc
	p.episode = ep
	p.seq = 0
	p.cancel = cancel
	if !mode.IsContinuous() {
		p.timer = p.clock.AfterFunc(mode.Duration, func() { p.expire(ep) })
	}

	slog.Info("capture: episode started", "episode", ep, "mode", mode.String())
	p.handler(Event{Kind: Started, Episode: ep})

	go p.read(ep, proc)
}

// Stop ends the active episode. Without force it is a no-op when nothing is
// recording. Process teardown errors are logged.
func (p *Pipeline) Stop(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.recording {
		if force {
			slog.Debug("capture: forced stop with no active episode")
		}
		return
	}
	p.stopLocked(nil)
}

// expire ends episode ep when its duration elapsed and it is still active.
func (p *Pipeline) expire(ep uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.recording || p.episode != ep {
		return
	}
	slog.Debug("capture: episode duration elapsed", "episode", ep)
	p.stopLocked(nil)
}

// stopLocked detaches the active episode, releases the process and emits the
// terminal events. Must be called with p.mu held while recording.
func (p *Pipeline) stopLocked(cause error) {
	ep := p.episode
	proc := p.proc

	// Detach first so late reads of this episode are dropped.
	p.episode = 0
	p.proc = nil
	p.recording = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	if proc != nil {
		if err := proc.Stop(); err != nil {
			slog.Warn("capture: stop process", "episode", ep, "err", err)
		}
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	if cause != nil {
		p.handler(Event{Kind: Failed, Episode: ep, Err: fault.New(fault.KindRecording, cause)})
	}
	slog.Info("capture: episode stopped", "episode", ep, "chunks", p.seq)
	p.handler(Event{Kind: Stopped, Episode: ep})
}

// read slices the process output of episode ep into chunks until the stream
// ends or the episode is detached.
func (p *Pipeline) read(ep uint64, proc Process) {
	size := p.ChunkBytes()
	stream := proc.Stream()

	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(stream, buf)
		if n > 0 && !p.deliver(ep, buf[:n]) {
			return
		}
		if err == nil {
			continue
		}

		cause := err
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			cause = ErrUnexpectedExit
			if exitErr := waitExit(proc); exitErr != nil {
				cause = fmt.Errorf("%w: %w", ErrUnexpectedExit, exitErr)
			}
		} else {
			cause = fmt.Errorf("capture: read stream: %w", err)
		}

		p.mu.Lock()
		if p.recording && p.episode == ep {
			slog.Warn("capture: stream ended while recording", "episode", ep, "err", cause)
			p.stopLocked(cause)
		}
		p.mu.Unlock()
		return
	}
}

// deliver emits one chunk for ep. It reports false once ep is no longer the
// active episode.
func (p *Pipeline) deliver(ep uint64, data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.recording || p.episode != ep {
		return false
	}
	p.seq++
	p.handler(Event{
		Kind:    ChunkReady,
		Episode: ep,
		Chunk:   audio.Chunk{Episode: ep, Seq: p.seq, Data: data},
	})
	return true
}

// exitGrace bounds how long the reader waits for an exit status after the
// stream ended.
const exitGrace = 500 * time.Millisecond

func waitExit(proc Process) error {
	ch := proc.Exited()
	if ch == nil {
		return nil
	}
	select {
	case err := <-ch:
		return err
	case <-time.After(exitGrace):
		return nil
	}
}
