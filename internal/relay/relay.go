// Package relay forwards captured audio chunks into the live connection in
// capture order.
//
// The relay holds a read-only attachment to the connection, controlled by
// the session: [Relay.Attach] when the connection opens, [Relay.Detach] when
// it errors, closes or is stopped. Chunks are handed over with
// [Relay.Enqueue], which never blocks, and sent by a single sender goroutine.
// Before every send the relay re-checks that the connection is still
// believed open and that the attachment the chunk was queued under is still
// current, so nothing is sent once the session has left the open state. A
// send already in flight when the relay is detached has its context
// cancelled and its result discarded.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/mirrorlive/internal/fault"
	"github.com/MrWong99/mirrorlive/internal/observe"
	"github.com/MrWong99/mirrorlive/pkg/audio"
	"github.com/MrWong99/mirrorlive/pkg/provider/live"
)

// DefaultQueueSize is the number of chunks buffered between capture and the
// sender.
const DefaultQueueSize = 64

// Drop reasons reported to metrics.
const (
	dropQueueFull = "queue_full"
	dropDetached  = "detached"
	dropFailed    = "episode_failed"
)

// ResultKind identifies a [Result].
type ResultKind int

const (
	// Sent reports a chunk accepted by the connection.
	Sent ResultKind = iota
	// Failed reports a chunk the connection rejected.
	Failed
)

// Result is the outcome of one send attempt.
type Result struct {
	Kind    ResultKind
	Episode uint64
	Seq     int64

	// Err is a *fault.Error of kind [fault.KindSend], set for Failed.
	Err error

	// Closing is true when Err shows the remote end is closing or closed.
	Closing bool
}

// Handler receives send results in send order. It must not block.
type Handler func(Result)

// Option configures a [Relay].
type Option func(*Relay)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithMetrics records sends, failures and drops to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

type item struct {
	gen   uint64
	chunk audio.Chunk
}

// Relay is the ordered chunk sender. It is safe for concurrent use.
type Relay struct {
	mime      string
	handler   Handler
	queueSize int
	metrics   *observe.Metrics

	queue chan item

	// open is the "connection open" belief. It is cleared by Detach and by
	// a send failure that shows the remote end closing.
	open atomic.Bool

	mu        sync.Mutex
	conn      live.Conn
	gen       uint64
	failedEp  uint64
	failedGen uint64

	// cancelSend aborts the send in flight, if any.
	cancelSend context.CancelFunc
}

// New returns a detached relay that labels chunks with mime and reports to
// h. Call [Relay.Run] to start sending.
func New(mime string, h Handler, opts ...Option) *Relay {
	r := &Relay{
		mime:      mime,
		handler:   h,
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(r)
	}
	if r.handler == nil {
		r.handler = func(Result) {}
	}
	r.queue = make(chan item, r.queueSize)
	return r
}

// Run sends queued chunks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-r.queue:
			r.send(ctx, it)
		}
	}
}

// Attach points the relay at an open connection.
func (r *Relay) Attach(conn live.Conn) {
	r.mu.Lock()
	r.abortSendLocked()
	r.conn = conn
	r.gen++
	r.failedEp = 0
	r.mu.Unlock()
	r.open.Store(conn != nil)
}

// Detach drops the connection. Chunks still queued are discarded and a send
// in progress is cancelled. Detach never waits for the connection.
func (r *Relay) Detach() {
	r.open.Store(false)
	r.mu.Lock()
	r.abortSendLocked()
	r.conn = nil
	r.gen++
	r.mu.Unlock()
}

func (r *Relay) abortSendLocked() {
	if r.cancelSend != nil {
		r.cancelSend()
		r.cancelSend = nil
	}
}

// Open reports whether the relay believes the connection is open.
func (r *Relay) Open() bool {
	return r.open.Load()
}

// Enqueue hands c to the sender. It never blocks: when the relay is
// detached or the queue is full the chunk is dropped. Reports whether the
// chunk was queued.
func (r *Relay) Enqueue(c audio.Chunk) bool {
	if !r.open.Load() {
		r.drop(c, dropDetached)
		return false
	}
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	select {
	case r.queue <- item{gen: gen, chunk: c}:
		return true
	default:
		slog.Warn("relay: queue full, dropping chunk", "episode", c.Episode, "seq", c.Seq)
		r.drop(c, dropQueueFull)
		return false
	}
}

func (r *Relay) send(ctx context.Context, it item) {
	res, ok := r.attempt(ctx, it)
	if ok {
		r.handler(res)
	}
}

// attempt sends one chunk if its attachment is still current and reports
// the result to deliver, if any. Results of a send that outlived its
// attachment are dropped.
func (r *Relay) attempt(ctx context.Context, it item) (Result, bool) {
	c := it.chunk

	r.mu.Lock()
	conn := r.conn
	current := it.gen == r.gen
	failed := r.failedGen == it.gen && r.failedEp == c.Episode
	switch {
	case !current || conn == nil || !r.open.Load():
		r.mu.Unlock()
		r.drop(c, dropDetached)
		return Result{}, false
	case failed:
		r.mu.Unlock()
		r.drop(c, dropFailed)
		return Result{}, false
	}
	sendCtx, cancel := context.WithCancel(ctx)
	r.cancelSend = cancel
	r.mu.Unlock()

	err := conn.SendChunk(sendCtx, live.Blob{MIMEType: r.mime, Data: c.Data})
	cancel()

	closing := IsClosing(err)
	r.mu.Lock()
	stale := r.gen != it.gen
	if !stale {
		r.cancelSend = nil
		if err != nil {
			r.failedEp = c.Episode
			r.failedGen = it.gen
			if closing {
				r.open.Store(false)
			}
		}
	}
	r.mu.Unlock()

	if stale {
		slog.Debug("relay: discarding result of detached send", "episode", c.Episode, "seq", c.Seq, "err", err)
		r.drop(c, dropDetached)
		return Result{}, false
	}
	if err == nil {
		if r.metrics != nil {
			r.metrics.ChunksSent.Add(ctx, 1)
		}
		return Result{Kind: Sent, Episode: c.Episode, Seq: c.Seq}, true
	}

	if r.metrics != nil {
		r.metrics.RecordSendError(ctx, closing)
	}
	slog.Warn("relay: send failed", "episode", c.Episode, "seq", c.Seq, "closing", closing, "err", err)
	return Result{
		Kind:    Failed,
		Episode: c.Episode,
		Seq:     c.Seq,
		Err:     fault.Send(c.Seq, fmt.Errorf("relay: send: %w", err)),
		Closing: closing,
	}, true
}

func (r *Relay) drop(c audio.Chunk, reason string) {
	slog.Debug("relay: chunk dropped", "episode", c.Episode, "seq", c.Seq, "reason", reason)
	if r.metrics != nil {
		r.metrics.RecordDrop(context.Background(), reason)
	}
}

// IsClosing reports whether err shows that the remote end is closing or
// already closed.
func IsClosing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "CLOSING") || strings.Contains(strings.ToLower(msg), "closed")
}
