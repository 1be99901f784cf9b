// Package notify is the one-way bridge between the session core and the
// presentation layer.
//
// The core emits [Event] values through a [Sink]; sinks are fire-and-forget
// and must never block the caller for long. In the other direction the
// presentation layer sends [Command] values which transports hand to a
// [CommandHandler].
//
// The JSON shape of every event is a stable contract with the widget:
//
//	{"event": "textUpdate", "payload": {"text": "Hello"}}
//
// Events without a payload omit the "payload" key entirely.
package notify

import (
	"encoding/base64"
	"encoding/json"
)

// Name is the name of an outward notification.
type Name string

const (
	Ready            Name = "ready"
	RecordingStarted Name = "recordingStarted"
	RecordingStopped Name = "recordingStopped"
	AudioSent        Name = "audioSent"
	TextUpdate       Name = "textUpdate"
	AudioReady       Name = "audioReady"
	ImageGenerating  Name = "imageGenerating"
	ImageGenerated   Name = "imageGenerated"
	TurnComplete     Name = "turnComplete"
	Error            Name = "error"
)

// Event is one notification. Payload is nil for events that carry none,
// otherwise one of the payload types below.
type Event struct {
	Name    Name
	Payload any
}

type wireEvent struct {
	Event   Name `json:"event"`
	Payload any  `json:"payload,omitempty"`
}

// MarshalJSON encodes the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Event: e.Name, Payload: e.Payload})
}

// AudioSentPayload acknowledges one transmitted chunk.
type AudioSentPayload struct {
	SequenceNumber int64 `json:"sequenceNumber"`
}

// TextPayload carries the cumulative text of the current turn.
type TextPayload struct {
	Text string `json:"text"`
}

// AudioPayload carries base64-encoded audio produced by the service.
type AudioPayload struct {
	Audio string `json:"audio"`
}

// ImagePayload carries a base64-encoded generated image.
type ImagePayload struct {
	Image string `json:"image"`
}

// ImageErrorPayload is the error marker sent instead of an image. Status is
// the status text the widget should restore and is always present.
type ImageErrorPayload struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// ErrorPayload describes a surfaced error.
type ErrorPayload struct {
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
}

// ── Constructors ──────────────────────────────────────────────────────────────

// Simple returns an event without payload.
func Simple(name Name) Event { return Event{Name: name} }

// NewAudioSent returns an audioSent event for chunk seq.
func NewAudioSent(seq int64) Event {
	return Event{Name: AudioSent, Payload: AudioSentPayload{SequenceNumber: seq}}
}

// NewTextUpdate returns a textUpdate event carrying the cumulative text.
func NewTextUpdate(text string) Event {
	return Event{Name: TextUpdate, Payload: TextPayload{Text: text}}
}

// NewAudioReady returns an audioReady event for raw audio bytes.
func NewAudioReady(data []byte) Event {
	return Event{Name: AudioReady, Payload: AudioPayload{Audio: base64.StdEncoding.EncodeToString(data)}}
}

// NewImageGenerated returns an imageGenerated event for raw image bytes.
func NewImageGenerated(data []byte) Event {
	return Event{Name: ImageGenerated, Payload: ImagePayload{Image: base64.StdEncoding.EncodeToString(data)}}
}

// NewImageFailed returns the imageGenerated error marker.
func NewImageFailed(reason, status string) Event {
	return Event{Name: ImageGenerated, Payload: ImageErrorPayload{Error: reason, Status: status}}
}

// NewError returns an error event. kind may be empty.
func NewError(reason, kind string) Event {
	return Event{Name: Error, Payload: ErrorPayload{Reason: reason, Kind: kind}}
}

// ── Sinks ─────────────────────────────────────────────────────────────────────

// Sink receives events. Implementations must be safe for concurrent use and
// must not block for long.
type Sink interface {
	Notify(ev Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ev Event)

// Notify calls f(ev).
func (f SinkFunc) Notify(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans every event out to each sink in order. Nil entries are skipped.
type Multi []Sink

// Notify forwards ev to every sink.
func (m Multi) Notify(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(ev)
		}
	}
}
