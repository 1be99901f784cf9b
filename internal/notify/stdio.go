package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxCommandLine bounds a single command line read from the input stream.
	maxCommandLine = 1 << 20

	// stdioBuffer is the number of events queued for the output stream
	// before events are dropped.
	stdioBuffer = 256
)

// Stdio writes events as JSON lines and reads commands as JSON lines. It is
// the transport used when the dashboard runtime spawns the helper and talks
// to it over its standard streams.
//
// Events are written by a single goroutine so a reader that stops draining
// the output stream never blocks [Stdio.Notify].
type Stdio struct {
	w io.Writer
	r io.Reader

	mu     sync.Mutex
	out    chan []byte
	closed bool
	done   chan struct{}
}

// NewStdio returns a Stdio bridge writing events to w and reading commands
// from r. r may be nil when no commands are expected. Call [Stdio.Close] to
// flush queued events and stop the writer.
func NewStdio(w io.Writer, r io.Reader) *Stdio {
	s := &Stdio{
		w:    w,
		r:    r,
		out:  make(chan []byte, stdioBuffer),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Notify queues ev as a single JSON line. Events are dropped when the queue
// is full or the bridge is closed.
func (s *Stdio) Notify(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notify: marshal event", "event", ev.Name, "err", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- data:
	default:
		slog.Warn("notify: stdout backlog full, dropping event", "event", ev.Name)
	}
}

func (s *Stdio) writeLoop() {
	defer close(s.done)
	for data := range s.out {
		if _, err := s.w.Write(data); err != nil {
			slog.Warn("notify: write event", "err", err)
		}
	}
}

// Close stops accepting events and waits up to timeout for the queued ones
// to be written. It is safe to call more than once.
func (s *Stdio) Close(timeout time.Duration) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return errors.New("notify: stdout flush timed out")
	}
}

// Serve reads commands line by line and passes them to h until the input is
// exhausted or ctx is cancelled. Malformed lines are logged and skipped.
// Returns nil on EOF.
func (s *Stdio) Serve(ctx context.Context, h CommandHandler) error {
	if s.r == nil {
		<-ctx.Done()
		return nil
	}

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.r)
		sc.Buffer(make([]byte, 0, 4096), maxCommandLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			cmd, err := ParseCommand(line)
			if err != nil {
				slog.Warn("notify: ignoring command", "err", err)
				continue
			}
			h(ctx, cmd)
		}
	}
}
