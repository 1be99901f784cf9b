package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStdio_NotifyWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdio(&buf, nil)

	s.Notify(Simple(Ready))
	s.Notify(NewTextUpdate("hi"))
	if err := s.Close(time.Second); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.Notify(Simple(Ready))

	want := "{\"event\":\"ready\"}\n{\"event\":\"textUpdate\",\"payload\":{\"text\":\"hi\"}}\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestStdio_ServeDispatchesCommands(t *testing.T) {
	in := strings.NewReader("{\"command\":\"start\"}\n\ngarbage\n{\"command\":\"stop\"}\n")
	s := NewStdio(&bytes.Buffer{}, in)
	defer s.Close(time.Second)

	var (
		mu  sync.Mutex
		got []CommandName
	)
	err := s.Serve(context.Background(), func(_ context.Context, cmd Command) {
		mu.Lock()
		got = append(got, cmd.Name)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(got) != 2 || got[0] != CmdStart || got[1] != CmdStop {
		t.Errorf("commands = %v, want [start stop]", got)
	}
}

// stuckWriter blocks every write until release is closed.
type stuckWriter struct {
	release chan struct{}
	mu      sync.Mutex
	writes  int
}

func (w *stuckWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	w.writes++
	w.mu.Unlock()
	return len(p), nil
}

func TestStdio_NotifyDoesNotBlockOnStuckWriter(t *testing.T) {
	w := &stuckWriter{release: make(chan struct{})}
	s := NewStdio(w, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range stdioBuffer * 2 {
			s.Notify(Simple(Ready))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a stuck writer")
	}

	if err := s.Close(20 * time.Millisecond); err == nil {
		t.Error("Close returned before the queue drained")
	}
	close(w.release)
	if err := s.Close(time.Second); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	// One event may be held by the writer while the queue fills.
	if w.writes < stdioBuffer || w.writes > stdioBuffer+1 {
		t.Errorf("writes = %d, want %d or %d", w.writes, stdioBuffer, stdioBuffer+1)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestStdio_ServeReturnsReadError(t *testing.T) {
	s := NewStdio(&bytes.Buffer{}, errReader{})
	defer s.Close(time.Second)
	if err := s.Serve(context.Background(), func(context.Context, Command) {}); err == nil {
		t.Error("expected read error")
	}
}

func TestStdio_ServeNilReaderWaitsForCancel(t *testing.T) {
	s := NewStdio(&bytes.Buffer{}, nil)
	defer s.Close(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Serve(ctx, nil); err != nil {
		t.Errorf("Serve: %v", err)
	}
}
