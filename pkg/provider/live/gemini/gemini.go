// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks; every inbound
// frame is decoded into a [live.ServerMessage] and handed to the connection's
// callbacks from a single receive goroutine.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/mirrorlive/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame; generated images arrive inline.
	readLimit = 16 << 20
)

// ErrConnClosed is returned by SendChunk once the connection is closing or
// closed. The wording mirrors the browser WebSocket error so that callers
// matching on "CLOSING" or "CLOSED" treat both sources alike.
var ErrConnClosed = errors.New("gemini: WebSocket is already in CLOSING or CLOSED state")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default Gemini model used when the ConnectConfig does
// not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepalive overrides the ping interval. Zero disables keepalive pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Gemini Live endpoint and sends the setup message. The
// receive loop starts only after a successful return; it reports OnOpen
// before the first inbound message.
func (p *Provider) Connect(ctx context.Context, cfg live.ConnectConfig, cb live.Callbacks) (live.Conn, error) {
	key := cfg.APIKey
	if key == "" {
		key = p.apiKey
	}
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(key),
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		cb:     cb,
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	if err := c.sendSetup(model, cfg); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	if p.keepalive > 0 {
		go c.keepaliveLoop(p.keepalive)
	}

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool       `json:"tools,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []live.Part `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []live.InlineData `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws *websocket.Conn
	cb live.Callbacks

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *conn) sendSetup(model string, cfg live.ConnectConfig) error {
	modalities := make([]string, 0, len(cfg.Modalities))
	audioOnly := true
	for _, m := range cfg.Modalities {
		modalities = append(modalities, string(m))
		if m != live.ModalityAudio {
			audioOnly = false
		}
	}
	if len(modalities) == 0 {
		modalities = []string{string(live.ModalityAudio)}
	}

	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}

	// Audio-only sessions still need the text for the widget, so ask for a
	// transcription of the generated speech.
	if audioOnly {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []live.Part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, name := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name: name,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt": map[string]any{"type": "string"},
					},
				},
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return c.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reports OnOpen, then reads and dispatches messages until the
// connection ends. It is the only goroutine invoking callbacks.
func (c *conn) receiveLoop() {
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}

		var msg live.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}

		if msg.ToolCall != nil {
			c.acknowledgeToolCall(msg.ToolCall)
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(&msg)
		}
	}
}

// finish translates the terminal read error into OnError/OnClose.
func (c *conn) finish(err error) {
	c.mu.Lock()
	local := c.closed
	c.closed = true
	c.mu.Unlock()

	ev := live.CloseEvent{Code: -1}
	var ce websocket.CloseError
	switch {
	case local || c.ctx.Err() != nil:
		// Closed locally.
		ev.Code = int(websocket.StatusNormalClosure)
		if errors.As(err, &ce) {
			ev.Code = int(ce.Code)
			ev.Reason = ce.Reason
		}
	case errors.As(err, &ce):
		ev.Code = int(ce.Code)
		ev.Reason = ce.Reason
		if ce.Code != websocket.StatusNormalClosure && ce.Code != websocket.StatusGoingAway && c.cb.OnError != nil {
			c.cb.OnError(fmt.Errorf("gemini: connection closed with status %d: %s", ce.Code, ce.Reason))
		}
	default:
		if c.cb.OnError != nil {
			c.cb.OnError(fmt.Errorf("gemini: read: %w", err))
		}
	}
	if c.cb.OnClose != nil {
		c.cb.OnClose(ev)
	}
	c.cancel()
}

// acknowledgeToolCall answers every function call so that the model can
// continue its turn; the call itself is surfaced through OnMessage.
func (c *conn) acknowledgeToolCall(tc *live.ToolCall) {
	if len(tc.FunctionCalls) == 0 {
		return
	}
	resps := make([]functionResponse, len(tc.FunctionCalls))
	for i, fc := range tc.FunctionCalls {
		resps[i] = functionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: map[string]any{"output": "accepted"},
		}
	}
	// Best-effort; a failed write surfaces through the read side.
	_ = c.writeJSON(toolResponseMessage{ToolResponse: toolResponse{FunctionResponses: resps}})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
// A ping that fails tears the socket down so the read side reports the loss.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				slog.Warn("gemini: keepalive ping failed, closing connection", "err", err)
				_ = c.ws.CloseNow()
				return
			}
		}
	}
}

// ── Conn methods ───────────────────────────────────────────────────────────────

// SendChunk delivers one media chunk as base64 inside realtimeInput.
func (c *conn) SendChunk(ctx context.Context, b live.Blob) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []live.InlineData{
				{MIMEType: b.MIMEType, Data: base64.StdEncoding.EncodeToString(b.Data)},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: send chunk: %w", err)
	}
	return nil
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.ws.Close(websocket.StatusNormalClosure, "session closed")
	c.cancel() // unblocks receiveLoop if the close handshake did not
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gemini: close: %w", err)
	}
	return nil
}
