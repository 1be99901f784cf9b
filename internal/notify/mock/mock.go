// Package mock provides a recording [notify.Sink] for tests.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/mirrorlive/internal/notify"
)

// Recorder records every event it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
	signal chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{signal: make(chan struct{}, 1)}
}

// Notify implements [notify.Sink].
func (r *Recorder) Notify(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Events returns a copy of all recorded events in arrival order.
func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the names of all recorded events in arrival order.
func (r *Recorder) Names() []notify.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Name, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name notify.Name) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns the number of recorded events with the given name.
func (r *Recorder) Count(name notify.Name) int {
	return len(r.Named(name))
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// WaitFor blocks until at least n events named name were recorded or the
// timeout elapses. It reports whether the condition was met.
func (r *Recorder) WaitFor(name notify.Name, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if r.Count(name) >= n {
			return true
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			return r.Count(name) >= n
		case <-time.After(10 * time.Millisecond):
		}
	}
}
