// Package dispatch turns the live service's reply stream into notifications.
//
// [Parse] normalizes raw server messages into typed [Message] values and the
// [Dispatcher] runs the per-turn state machine over them: it accumulates the
// turn's text so every textUpdate carries the full text so far, tracks image
// generation, and marks turn boundaries.
package dispatch

import (
	"fmt"

	"github.com/MrWong99/mirrorlive/internal/fault"
	"github.com/MrWong99/mirrorlive/internal/notify"
)

// StatusListening is the status the widget restores when an image fails
// after the turn already completed.
const StatusListening = "Listening..."

// ReasonNoImage is the reason reported when the service announced an image but
// returned none.
const ReasonNoImage = "image generation returned no image"

// ImageState is the image generation tri-state.
type ImageState int

const (
	ImageIdle ImageState = iota
	ImageGenerating
	ImageGenerated
)

// String implements [fmt.Stringer].
func (s ImageState) String() string {
	switch s {
	case ImageIdle:
		return "idle"
	case ImageGenerating:
		return "generating"
	case ImageGenerated:
		return "generated"
	default:
		return fmt.Sprintf("ImageState(%d)", int(s))
	}
}

// Dispatcher holds the state of the current turn. It is not safe for
// concurrent use; the session drives it from a single goroutine.
type Dispatcher struct {
	text         string
	turnComplete bool
	image        ImageState
	imageData    []byte
}

// New returns a dispatcher at a turn boundary.
func New() *Dispatcher {
	return &Dispatcher{turnComplete: true}
}

// Reset returns the dispatcher to its initial state.
func (d *Dispatcher) Reset() {
	*d = Dispatcher{turnComplete: true}
}

// Text returns the accumulated text of the current turn.
func (d *Dispatcher) Text() string { return d.text }

// TurnComplete reports whether the last turn has ended.
func (d *Dispatcher) TurnComplete() bool { return d.turnComplete }

// Image returns the image state and, when generated, the image bytes.
func (d *Dispatcher) Image() (ImageState, []byte) { return d.image, d.imageData }

// HandleAll handles msgs in order and returns all resulting events.
func (d *Dispatcher) HandleAll(msgs []Message) []notify.Event {
	var out []notify.Event
	for _, m := range msgs {
		out = append(out, d.Handle(m)...)
	}
	return out
}

// Handle applies one message and returns the events to emit.
func (d *Dispatcher) Handle(m Message) []notify.Event {
	switch m := m.(type) {
	case SetupComplete:
		return nil

	case TextDelta:
		return []notify.Event{d.appendText(m.Text)}

	case PromptFeedback:
		return []notify.Event{d.appendText(BlockMarker(m.BlockReason))}

	case AudioBlob:
		return []notify.Event{notify.NewAudioReady(m.Data)}

	case ImageGenerating:
		if d.image == ImageGenerating {
			return nil
		}
		d.image = ImageGenerating
		d.imageData = nil
		return []notify.Event{notify.Simple(notify.ImageGenerating)}

	case ImageGenerated:
		if m.Data == nil {
			status := ""
			if d.turnComplete {
				status = StatusListening
			}
			d.image = ImageIdle
			d.imageData = nil
			return []notify.Event{notify.NewImageFailed(ReasonNoImage, status)}
		}
		d.image = ImageGenerated
		d.imageData = m.Data
		return []notify.Event{notify.NewImageGenerated(m.Data)}

	case TurnComplete:
		d.turnComplete = true
		return []notify.Event{notify.Simple(notify.TurnComplete)}

	case ServerError:
		return []notify.Event{notify.NewError(m.Error(), string(fault.KindProtocol))}

	default:
		return nil
	}
}

// appendText starts a new turn or extends the current one and returns the
// cumulative textUpdate.
func (d *Dispatcher) appendText(delta string) notify.Event {
	if d.turnComplete {
		d.text = delta
		d.turnComplete = false
		if d.image == ImageGenerated {
			d.image = ImageIdle
			d.imageData = nil
		}
	} else {
		d.text += delta
	}
	return notify.NewTextUpdate(d.text)
}

// BlockMarker returns the text marker shown when a prompt was blocked.
func BlockMarker(reason string) string {
	return "[blocked: " + reason + "]"
}
