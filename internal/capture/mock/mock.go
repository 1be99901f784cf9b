// Package mock provides scripted capture processes and a manual clock for
// tests of the capture pipeline and its consumers.
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/mirrorlive/internal/capture"
)

// Spawner hands out [Process] values. Set Err to make the next spawns fail.
type Spawner struct {
	mu      sync.Mutex
	Err     error
	procs   []*Process
	configs []capture.SpawnConfig
}

// Spawn implements [capture.Spawner].
func (s *Spawner) Spawn(_ context.Context, cfg capture.SpawnConfig) (capture.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, cfg)
	if s.Err != nil {
		return nil, s.Err
	}
	p := NewProcess()
	s.procs = append(s.procs, p)
	return p, nil
}

// SetErr sets the error returned by subsequent spawns.
func (s *Spawner) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

// Count returns the number of Spawn calls.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

// Configs returns the configs of every Spawn call.
func (s *Spawner) Configs() []capture.SpawnConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.SpawnConfig(nil), s.configs...)
}

// Last returns the most recently spawned process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Process is a fake capture process whose output is written by the test.
type Process struct {
	r *io.PipeReader
	w *io.PipeWriter

	StopErr error

	mu     sync.Mutex
	stops  int
	exited chan error
	done   bool
}

// NewProcess returns a running fake process.
func NewProcess() *Process {
	r, w := io.Pipe()
	return &Process{r: r, w: w, exited: make(chan error, 1)}
}

// Stream implements [capture.Process].
func (p *Process) Stream() io.Reader { return p.r }

// Exited implements [capture.Process].
func (p *Process) Exited() <-chan error { return p.exited }

// Stop implements [capture.Process].
func (p *Process) Stop() error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.finish(nil, errors.New("mock: process stopped"))
	return p.StopErr
}

// Write feeds data into the process output. It blocks until the pipeline
// has read it, and fails once the process has ended.
func (p *Process) Write(data []byte) error {
	_, err := p.w.Write(data)
	return err
}

// Exit ends the process as if it terminated on its own with status err.
func (p *Process) Exit(err error) {
	p.finish(err, nil)
}

// Stops returns how often Stop was called.
func (p *Process) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *Process) finish(status, readErr error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.mu.Unlock()

	p.exited <- status
	close(p.exited)
	if readErr != nil {
		p.r.CloseWithError(readErr)
	}
	p.w.Close()
}

// Clock is a manual [capture.Clock]. Timers fire only when Advance moves the
// clock past their deadline.
type Clock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*timer
}

type timer struct {
	clock   *Clock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

// AfterFunc implements [capture.Clock].
func (c *Clock) AfterFunc(d time.Duration, f func()) capture.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop implements [capture.Timer].
func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs every due timer synchronously.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
