// Package history keeps a local record of completed turns and surfaced
// errors in a SQLite database.
//
// A [Store] is a [notify.Sink]. It remembers the latest cumulative text of
// the running turn and writes it when the turn completes; error events are
// written as they arrive. Writes happen on a background goroutine so Notify
// never waits for the disk.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/mirrorlive/internal/notify"
)

// write is one unit of work for the writer. A write with ack set is a
// barrier and carries no entry.
type write struct {
	entry Entry
	ack   chan struct{}
}

// Entry kinds.
const (
	KindTurn  = "turn"
	KindError = "error"
)

const writeBuffer = 256

// Entry is one stored record.
type Entry struct {
	ID        int64
	Kind      string
	Text      string
	ErrorKind string
	CreatedAt time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a SQLite-backed history sink.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu      sync.Mutex
	pending string
	closed  bool

	writes chan write
	done   chan struct{}
}

// Open opens or creates the database at path, prunes entries older than
// retention (zero keeps everything) and starts the writer.
func Open(ctx context.Context, path string, retention time.Duration, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := &Store{
		db:     db,
		now:    time.Now,
		writes: make(chan write, writeBuffer),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if retention > 0 {
		n, err := s.Prune(ctx, s.now().Add(-retention))
		if err != nil {
			slog.Warn("history: prune on open failed", "err", err)
		} else if n > 0 {
			slog.Info("history: pruned old entries", "count", n)
		}
	}

	go s.writeLoop()
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    text TEXT NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("history: init schema: %w", err)
	}
	return nil
}

// Notify implements [notify.Sink].
func (s *Store) Notify(ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch ev.Name {
	case notify.TextUpdate:
		if p, ok := ev.Payload.(notify.TextPayload); ok {
			s.pending = p.Text
		}
	case notify.TurnComplete:
		if s.pending == "" {
			return
		}
		s.enqueue(Entry{Kind: KindTurn, Text: s.pending, CreatedAt: s.now()})
		s.pending = ""
	case notify.Error:
		if p, ok := ev.Payload.(notify.ErrorPayload); ok {
			s.enqueue(Entry{Kind: KindError, Text: p.Reason, ErrorKind: p.Kind, CreatedAt: s.now()})
		}
	}
}

// enqueue must be called with s.mu held.
func (s *Store) enqueue(e Entry) {
	select {
	case s.writes <- write{entry: e}:
	default:
		slog.Warn("history: write buffer full, entry dropped", "kind", e.Kind)
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for w := range s.writes {
		if w.ack != nil {
			close(w.ack)
			continue
		}
		if err := s.insert(context.Background(), w.entry); err != nil {
			slog.Warn("history: write entry", "kind", w.entry.Kind, "err", err)
		}
	}
}

func (s *Store) insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(kind, text, error_kind, created_at) VALUES(?, ?, ?, ?)`,
		e.Kind, e.Text, e.ErrorKind, e.CreatedAt.UnixMilli())
	return err
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, text, error_kind, created_at FROM entries ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Text, &e.ErrorKind, &created); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Prune deletes entries created before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Flush waits until every entry accepted so far has been written.
func (s *Store) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	select {
	case s.writes <- write{ack: ack}:
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	}
	s.mu.Unlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer after draining buffered entries and closes the
// database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}
