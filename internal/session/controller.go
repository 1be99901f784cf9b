// Package session owns the live connection and coordinates capture, relay
// and dispatch around it.
//
// A [Controller] is a single-writer event loop. Commands from the
// presentation layer, connection callbacks, connect results, capture events
// and relay results are all queued and applied one at a time by
// [Controller.Run], so session state is only ever mutated by one goroutine.
// Callbacks of a connection are released to the queue only after its connect
// result, which keeps open before messages and messages before close for
// every connection. Callbacks of a connection that was replaced or stopped
// are recognised by their connection generation and ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mirrorlive/internal/capture"
	"github.com/MrWong99/mirrorlive/internal/dispatch"
	"github.com/MrWong99/mirrorlive/internal/fault"
	"github.com/MrWong99/mirrorlive/internal/notify"
	"github.com/MrWong99/mirrorlive/internal/observe"
	"github.com/MrWong99/mirrorlive/internal/relay"
	"github.com/MrWong99/mirrorlive/internal/resilience"
	"github.com/MrWong99/mirrorlive/pkg/audio"
	"github.com/MrWong99/mirrorlive/pkg/provider/live"
)

// DefaultConnectTimeout bounds a connection attempt when Config leaves it
// unset.
const DefaultConnectTimeout = 15 * time.Second

// DefaultRecordDuration is the length of a triggered recording when neither
// the command nor Config specify one.
const DefaultRecordDuration = 3 * time.Second

// Config holds the session settings.
type Config struct {
	// Key is the API key used when Start is called without one.
	Key string

	// Connect is passed to the provider on every connection attempt. Its
	// APIKey is replaced by the key in use.
	Connect live.ConnectConfig

	// Continuous starts a continuous recording as soon as the connection
	// opens. Otherwise recordings run only when triggered.
	Continuous bool

	// RecordDuration is the default length of a triggered recording.
	RecordDuration time.Duration

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration

	// Audio describes the captured format.
	Audio audio.Config

	// ChunkDuration is the audio length of one chunk.
	ChunkDuration time.Duration
}

// Option configures a [Controller].
type Option func(*options)

type options struct {
	metrics   *observe.Metrics
	breaker   *resilience.CircuitBreaker
	clock     capture.Clock
	queueSize int
}

// WithMetrics records session metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBreaker guards connection attempts with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// WithClock sets the clock that ends duration-bounded recordings.
func WithClock(c capture.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRelayQueue sets the relay queue capacity.
func WithRelayQueue(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// Controller is the session manager. Its exported methods are safe for
// concurrent use; they only queue work for [Controller.Run].
type Controller struct {
	cfg      Config
	provider live.Provider
	sink     notify.Sink
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker

	capture  *capture.Pipeline
	relay    *relay.Relay
	dispatch *dispatch.Dispatcher

	q       *queue
	running atomic.Bool
	done    chan struct{}

	// Published copies of loop state for readers outside the loop.
	pubState atomic.Int32

	// Loop-owned state. Only the Run goroutine touches these.
	ctx        context.Context
	state      State
	conn       live.Conn
	gen        uint64
	connecting bool
	cancelDial context.CancelFunc
	key        string
	pending    *capture.Mode
}

// New returns a controller that connects through p, captures with sp and
// reports to sink. Call [Controller.Run] to start processing.
func New(cfg Config, p live.Provider, sp capture.Spawner, sink notify.Sink, opts ...Option) *Controller {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RecordDuration <= 0 {
		cfg.RecordDuration = DefaultRecordDuration
	}
	if cfg.Audio == (audio.Config{}) {
		cfg.Audio = audio.DefaultConfig()
	}
	if sink == nil {
		sink = notify.Discard
	}

	c := &Controller{
		cfg:      cfg,
		provider: p,
		sink:     sink,
		metrics:  o.metrics,
		breaker:  o.breaker,
		dispatch: dispatch.New(),
		q:        newQueue(),
		done:     make(chan struct{}),
		ctx:      context.Background(),
	}

	capOpts := []capture.Option{capture.WithChunkDuration(cfg.ChunkDuration)}
	if o.clock != nil {
		capOpts = append(capOpts, capture.WithClock(o.clock))
	}
	c.capture = capture.New(sp, cfg.Audio, func(ev capture.Event) { c.q.push(captureEv{ev: ev}) }, capOpts...)

	relayOpts := []relay.Option{relay.WithQueueSize(o.queueSize)}
	if o.metrics != nil {
		relayOpts = append(relayOpts, relay.WithMetrics(o.metrics))
	}
	c.relay = relay.New(cfg.Audio.MIME(), func(res relay.Result) { c.q.push(relayEv{res: res}) }, relayOpts...)

	return c
}

// State returns the current connection state.
func (c *Controller) State() State {
	return State(c.pubState.Load())
}

// Recording reports whether a capture episode is active.
func (c *Controller) Recording() bool {
	return c.capture.Recording()
}

// Start opens the connection with key, or with the configured key when key
// is empty. A missing key is reported to the sink and returned as a
// [fault.KindConfig] error. Starting while connecting does nothing; starting
// while open re-emits ready.
func (c *Controller) Start(key string) error {
	if key == "" {
		key = c.cfg.Key
	}
	if key == "" {
		err := fault.New(fault.KindConfig, fault.ErrMissingKey)
		c.q.push(emitEv{ev: notify.NewError(err.Error(), string(err.Kind))})
		return err
	}
	c.q.push(startCmd{key: key})
	return nil
}

// TriggerRecording starts a recording of length d. Zero uses the configured
// default, a negative d records until StopRecording. When the connection is
// not open a reconnect is issued and the recording starts once it opens.
func (c *Controller) TriggerRecording(d time.Duration) {
	var mode capture.Mode
	switch {
	case d < 0:
		mode = capture.Continuous()
	case d == 0:
		mode = capture.For(c.cfg.RecordDuration)
	default:
		mode = capture.For(d)
	}
	c.q.push(triggerCmd{mode: mode})
}

// StopRecording ends the current recording, if any.
func (c *Controller) StopRecording() {
	c.q.push(stopRecordingCmd{})
}

// Stop tears the session down: capture is stopped, the connection is closed
// and all state is reset. It is safe to call in any state and more than
// once. Stop waits until the loop applied it or ctx ends.
func (c *Controller) Stop(ctx context.Context) error {
	cmd := stopCmd{done: make(chan struct{})}
	c.q.push(cmd)
	if !c.running.Load() {
		return nil
	}
	select {
	case <-cmd.done:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleCommand applies a command from the presentation layer. It
// satisfies [notify.CommandHandler].
func (c *Controller) HandleCommand(ctx context.Context, cmd notify.Command) {
	switch cmd.Name {
	case notify.CmdStart:
		if err := c.Start(cmd.Key); err != nil {
			slog.Warn("session: start rejected", "err", err)
		}
	case notify.CmdTriggerRecording:
		c.TriggerRecording(cmd.Duration())
	case notify.CmdStopRecording:
		c.StopRecording()
	case notify.CmdStop:
		if err := c.Stop(ctx); err != nil {
			slog.Warn("session: stop", "err", err)
		}
	default:
		slog.Warn("session: unknown command", "command", cmd.Name)
	}
}

// Run processes queued events until ctx is cancelled. On return the session
// has been stopped and every resource released.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(c.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.relay.Run(gctx) })
	g.Go(func() error {
		c.loop(gctx)
		return nil
	})
	return g.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	c.ctx = ctx
	for {
		for _, ev := range c.q.drain() {
			c.apply(ev)
		}
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.q.wait():
		}
	}
}

// shutdown stops the session and flushes the events it produced.
func (c *Controller) shutdown() {
	c.teardown()
	for _, ev := range c.q.drain() {
		switch ev := ev.(type) {
		case stopCmd:
			close(ev.done)
		case captureEv:
			c.onCapture(ev.ev)
		case emitEv:
			c.emit(ev.ev)
		case connectResult:
			c.onConnectResult(ev)
		}
	}
}

func (c *Controller) apply(ev any) {
	switch ev := ev.(type) {
	case startCmd:
		c.onStart(ev.key)
	case stopCmd:
		c.teardown()
		close(ev.done)
	case triggerCmd:
		c.onTrigger(ev.mode)
	case stopRecordingCmd:
		c.capture.Stop(false)
	case connectResult:
		c.onConnectResult(ev)
	case openCb:
		c.onOpen(ev.gen)
	case messageCb:
		c.onMessage(ev.gen, ev.msg)
	case errorCb:
		c.onError(ev.gen, ev.err)
	case closeCb:
		c.onClose(ev.gen, ev.ev)
	case captureEv:
		c.onCapture(ev.ev)
	case relayEv:
		c.onRelay(ev.res)
	case emitEv:
		c.emit(ev.ev)
	default:
		slog.Warn("session: unknown loop event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	slog.Info("session: state changed", "from", c.state.String(), "to", s.String())
	if c.metrics != nil {
		c.metrics.RecordTransition(c.ctx, c.state.String(), s.String())
	}
	c.state = s
	c.pubState.Store(int32(s))
}

func (c *Controller) emit(ev notify.Event) {
	if c.metrics != nil {
		c.metrics.RecordEvent(c.ctx, string(ev.Name))
		switch ev.Name {
		case notify.TurnComplete:
			c.metrics.TurnsCompleted.Add(c.ctx, 1)
		case notify.Error:
			if p, ok := ev.Payload.(notify.ErrorPayload); ok {
				c.metrics.RecordError(c.ctx, p.Kind)
			}
		}
	}
	c.sink.Notify(ev)
}

// emitAfter queues ev behind everything already queued, so events that a
// collaborator produced synchronously are emitted first.
func (c *Controller) emitAfter(ev notify.Event) {
	c.q.push(emitEv{ev: ev})
}

// ── Commands ──────────────────────────────────────────────────────────────────

func (c *Controller) onStart(key string) {
	c.key = key
	switch {
	case c.state == Open:
		c.emit(notify.Simple(notify.Ready))
		return
	case !c.state.startable():
		slog.Debug("session: start ignored, connect in flight")
		return
	}
	if c.breaker != nil && c.breaker.State() == resilience.StateOpen {
		slog.Info("session: explicit start resets the connect breaker")
		c.breaker.Reset()
	}
	c.connect()
}

func (c *Controller) onTrigger(mode capture.Mode) {
	if c.state == Open {
		c.capture.Start(c.ctx, mode)
		return
	}
	c.pending = &mode
	if c.connecting {
		return
	}
	if c.key == "" {
		c.key = c.cfg.Key
	}
	if c.key == "" {
		c.pending = nil
		err := fault.New(fault.KindConfig, fault.ErrMissingKey)
		c.emit(notify.NewError(err.Error(), string(err.Kind)))
		return
	}
	slog.Info("session: reconnecting for recording", "mode", mode.String())
	c.connect()
}

// teardown stops capture, closes the connection and resets every field.
func (c *Controller) teardown() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.gen++
	c.relay.Detach()
	c.capture.Stop(true)
	c.closeConn()
	c.connecting = false
	c.pending = nil
	c.key = ""
	c.dispatch.Reset()
	c.setState(Uninitialized)
}

func (c *Controller) closeConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		slog.Warn("session: close connection", "err", err)
	}
	c.conn = nil
}

// ── Connection ────────────────────────────────────────────────────────────────

// connect starts a connection attempt in the background. Its callbacks are
// held back until the attempt's result has been queued.
func (c *Controller) connect() {
	c.gen++
	gen := c.gen
	c.connecting = true
	c.setState(Connecting)

	cfg := c.cfg.Connect
	cfg.APIKey = c.key

	ready := make(chan struct{})
	post := func(ev any) {
		<-ready
		c.q.push(ev)
	}
	cb := live.Callbacks{
		OnOpen:    func() { post(openCb{gen: gen}) },
		OnMessage: func(msg *live.ServerMessage) { post(messageCb{gen: gen, msg: msg}) },
		OnError:   func(err error) { post(errorCb{gen: gen, err: err}) },
		OnClose:   func(ev live.CloseEvent) { post(closeCb{gen: gen, ev: ev}) },
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	c.cancelDial = cancel

	go func() {
		defer close(ready)
		defer cancel()

		start := time.Now()
		ctx, span := observe.StartSpan(ctx, "session.connect")
		log := observe.Logger(ctx)
		log.Debug("session: dialing", "model", cfg.Model, "timeout", c.cfg.ConnectTimeout)
		var conn live.Conn
		dial := func(ctx context.Context) error {
			var err error
			conn, err = c.provider.Connect(ctx, cfg, cb)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.ExecuteContext(ctx, dial)
		} else {
			err = dial(ctx)
		}
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("connect timed out after %s: %w", c.cfg.ConnectTimeout, err)
		}
		if err != nil {
			log.Debug("session: dial failed", "err", err)
		}
		observe.EndSpan(span, err)
		c.q.push(connectResult{gen: gen, conn: conn, err: err, duration: time.Since(start)})
	}()
}

func (c *Controller) onConnectResult(r connectResult) {
	if r.gen != c.gen {
		if r.conn != nil {
			slog.Debug("session: closing superseded connection")
			if err := r.conn.Close(); err != nil {
				slog.Debug("session: close superseded connection", "err", err)
			}
		}
		return
	}
	c.connecting = false
	c.cancelDial = nil

	if c.metrics != nil {
		c.metrics.RecordConnect(c.ctx, r.duration.Seconds(), connectStatus(r.err))
	}
	if r.err != nil {
		slog.Error("session: connect failed", "err", r.err, "duration", r.duration)
		c.pending = nil
		c.setState(Error)
		err := fault.New(fault.KindConnection, r.err)
		c.emit(notify.NewError(err.Error(), string(err.Kind)))
		return
	}
	c.conn = r.conn
}

func connectStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func (c *Controller) onOpen(gen uint64) {
	if gen != c.gen {
		return
	}
	if c.state == Open {
		slog.Warn("session: duplicate open ignored")
		return
	}
	c.setState(Open)
	c.emit(notify.Simple(notify.Ready))
	c.relay.Attach(c.conn)

	switch {
	case c.cfg.Continuous:
		c.pending = nil
		c.capture.Start(c.ctx, capture.Continuous())
	case c.pending != nil:
		mode := *c.pending
		c.pending = nil
		c.capture.Start(c.ctx, mode)
	}
}

func (c *Controller) onMessage(gen uint64, msg *live.ServerMessage) {
	if gen != c.gen {
		return
	}
	for _, ev := range c.dispatch.HandleAll(dispatch.Parse(msg)) {
		c.emit(ev)
	}
}

func (c *Controller) onError(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	slog.Error("session: connection error", "err", err)
	c.setState(Error)
	c.relay.Detach()
	c.closeConn()
	c.pending = nil
	c.capture.Stop(true)
	c.dispatch.Reset()
	ferr := fault.New(fault.KindConnection, err)
	c.emitAfter(notify.NewError(ferr.Error(), string(ferr.Kind)))
}

func (c *Controller) onClose(gen uint64, ev live.CloseEvent) {
	if gen != c.gen {
		return
	}
	wasOpen := c.state == Open
	slog.Info("session: connection closed", "code", ev.Code, "reason", ev.Reason, "was_open", wasOpen)
	if c.state != Error {
		c.setState(Closed)
	}
	c.relay.Detach()
	c.closeConn()
	c.pending = nil
	c.capture.Stop(true)
	c.dispatch.Reset()
	if wasOpen {
		c.emitAfter(notify.NewError(fault.ErrClosedUnexpectedly.Error(), string(fault.KindConnection)))
	}
}

// ── Capture and relay ─────────────────────────────────────────────────────────

func (c *Controller) onCapture(ev capture.Event) {
	switch ev.Kind {
	case capture.Started:
		if c.metrics != nil {
			c.metrics.RecordingsActive.Add(c.ctx, 1)
		}
		c.emit(notify.Simple(notify.RecordingStarted))
	case capture.ChunkReady:
		if ev.Episode != c.capture.Episode() {
			return
		}
		c.relay.Enqueue(ev.Chunk)
	case capture.Failed:
		kind := fault.KindOf(ev.Err)
		if kind == "" {
			kind = fault.KindRecording
		}
		slog.Error("session: capture failed", "episode", ev.Episode, "err", ev.Err)
		c.emit(notify.NewError(ev.Err.Error(), string(kind)))
	case capture.Stopped:
		if c.metrics != nil {
			c.metrics.RecordingsActive.Add(c.ctx, -1)
		}
		c.emit(notify.Simple(notify.RecordingStopped))
	}
}

func (c *Controller) onRelay(res relay.Result) {
	switch res.Kind {
	case relay.Sent:
		c.emit(notify.NewAudioSent(res.Seq))
	case relay.Failed:
		if res.Episode != c.capture.Episode() {
			slog.Debug("session: send failure of a finished episode", "episode", res.Episode, "seq", res.Seq, "err", res.Err)
			return
		}
		slog.Warn("session: chunk send failed", "episode", res.Episode, "seq", res.Seq, "closing", res.Closing, "err", res.Err)
		c.capture.Stop(true)
		c.emitAfter(notify.NewError(res.Err.Error(), string(fault.KindSend)))
	}
}
