// Package live defines the Provider interface for bidirectional live
// generative sessions.
//
// A live provider wraps a remote service that accepts a continuous stream of
// media chunks and answers asynchronously with text, audio, images and turn
// markers over the same connection. The Gemini Live API is the reference
// backend.
//
// Unlike a request/response API, a live session is callback driven. The
// provider reports the lifecycle of one connection through [Callbacks] and
// guarantees their order: OnOpen first, then any number of OnMessage calls,
// then at most one of OnError or OnClose (OnError may be followed by OnClose).
// Callbacks for one connection are never invoked concurrently.
package live

import (
	"context"
	"encoding/json"
)

// Modality is a response modality requested from the service.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// ConnectConfig is the configuration of a new live connection.
type ConnectConfig struct {
	// APIKey authenticates the session. Providers fall back to the key they
	// were constructed with when empty.
	APIKey string

	// Model is the fixed model identifier (e.g., "gemini-2.0-flash-live-001").
	// Providers fall back to their own default when empty.
	Model string

	// Modalities lists the requested response modalities. Audio only for the
	// single-turn audio variant, audio and text for the chat variant.
	Modalities []Modality

	// Voice selects a prebuilt voice. Empty uses the service default.
	Voice string

	// Instructions is the system instruction for the session.
	Instructions string

	// Tools lists function names the model may call. Each is declared without
	// parameters beyond a free-text prompt.
	Tools []string
}

// CloseEvent describes how a connection ended.
type CloseEvent struct {
	// Code is the WebSocket close status code, or -1 when the connection
	// ended without a close frame.
	Code int

	// Reason is the close reason supplied by the remote end, if any.
	Reason string
}

// Callbacks receive the lifecycle of one connection. Nil fields are skipped.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(msg *ServerMessage)
	OnError   func(err error)
	OnClose   func(ev CloseEvent)
}

// Blob is one media chunk sent to the service. Data holds raw bytes; the
// provider takes care of the transport encoding.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Conn is an open live connection. It is the ConnectionHandle of the session
// controller.
//
// All methods must be safe for concurrent use. Close is idempotent.
type Conn interface {
	// SendChunk transmits one media chunk. It returns once the chunk was
	// handed to the transport; it does not wait for any acknowledgement.
	SendChunk(ctx context.Context, b Blob) error

	// Close ends the connection gracefully. The provider still reports
	// OnClose for connections closed this way.
	Close() error
}

// Provider opens live connections.
type Provider interface {
	// Connect dials the service and sends the session setup. Callbacks start
	// flowing once Connect has returned successfully; OnOpen is always the
	// first. A failed Connect invokes no callbacks.
	Connect(ctx context.Context, cfg ConnectConfig, cb Callbacks) (Conn, error)
}

// ── Server message shapes ──────────────────────────────────────────────────────

// ServerMessage is one decoded message from the service. Every field is
// optional; a message may carry several payloads at once.
type ServerMessage struct {
	SetupComplete  *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent  *ServerContent   `json:"serverContent,omitempty"`
	ToolCall       *ToolCall        `json:"toolCall,omitempty"`
	PromptFeedback *PromptFeedback  `json:"promptFeedback,omitempty"`
	Error          *ServiceError    `json:"error,omitempty"`
}

// ServerContent is the model's incremental output.
type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// Content is a list of parts produced by the model.
type Content struct {
	Parts []Part `json:"parts"`
}

// Part is a single text or inline-data item.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData carries base64-encoded media.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Transcription is a text rendition of generated audio.
type Transcription struct {
	Text string `json:"text"`
}

// ToolCall lists function calls requested by the model.
type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is one requested function call.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// PromptFeedback reports that the service refused the prompt.
type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// ServiceError is an error reported in-band by the service.
type ServiceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}
