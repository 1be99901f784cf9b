package dispatch

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/mirrorlive/pkg/provider/live"
)

// ImageToolName is the function the model calls to announce that it is
// generating an image.
const ImageToolName = "generate_image"

// Message is one normalized item of the service's reply stream. It is one of
// SetupComplete, TextDelta, AudioBlob, PromptFeedback, ImageGenerating,
// ImageGenerated, TurnComplete or ServerError.
type Message interface {
	message()
}

// SetupComplete acknowledges the session setup.
type SetupComplete struct{}

// TextDelta is a fragment of the current turn's text.
type TextDelta struct {
	Text string
}

// AudioBlob is a piece of generated audio.
type AudioBlob struct {
	MIMEType string
	Data     []byte
}

// PromptFeedback reports that the prompt was blocked.
type PromptFeedback struct {
	BlockReason string
}

// ImageGenerating announces that an image is being generated.
type ImageGenerating struct{}

// ImageGenerated carries a generated image. Data is nil when the service
// returned no usable image.
type ImageGenerated struct {
	MIMEType string
	Data     []byte
}

// TurnComplete marks the end of the model's turn.
type TurnComplete struct{}

// ServerError is an error the service reported in-band.
type ServerError struct {
	Code    int
	Status  string
	Message string
}

// Error implements error.
func (e ServerError) Error() string {
	switch {
	case e.Status != "" && e.Code != 0:
		return fmt.Sprintf("service error %d %s: %s", e.Code, e.Status, e.Message)
	case e.Code != 0:
		return fmt.Sprintf("service error %d: %s", e.Code, e.Message)
	default:
		return "service error: " + e.Message
	}
}

func (SetupComplete) message()   {}
func (TextDelta) message()       {}
func (AudioBlob) message()       {}
func (PromptFeedback) message()  {}
func (ImageGenerating) message() {}
func (ImageGenerated) message()  {}
func (TurnComplete) message()    {}
func (ServerError) message()     {}

// Parse converts one raw server message into messages in the order they
// should be handled. TurnComplete, when present, is always last. A message
// with no recognized content yields nil and a warning.
func Parse(msg *live.ServerMessage) []Message {
	if msg == nil {
		return nil
	}
	var out []Message

	if msg.SetupComplete != nil {
		out = append(out, SetupComplete{})
	}

	var turnComplete bool
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				out = append(out, parsePart(part)...)
			}
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			out = append(out, TextDelta{Text: t.Text})
		}
		turnComplete = sc.TurnComplete
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc.Name == ImageToolName {
				out = append(out, ImageGenerating{})
				continue
			}
			slog.Debug("dispatch: ignoring tool call", "name", fc.Name)
		}
	}

	if pf := msg.PromptFeedback; pf != nil && pf.BlockReason != "" {
		out = append(out, PromptFeedback{BlockReason: pf.BlockReason})
	}

	if e := msg.Error; e != nil {
		out = append(out, ServerError{Code: e.Code, Status: e.Status, Message: e.Message})
	}

	if turnComplete {
		out = append(out, TurnComplete{})
	}

	if len(out) == 0 {
		slog.Warn("dispatch: dropping message without recognized content")
	}
	return out
}

func parsePart(p live.Part) []Message {
	var out []Message
	if p.Text != "" {
		out = append(out, TextDelta{Text: p.Text})
	}
	if d := p.InlineData; d != nil {
		mime := strings.ToLower(d.MIMEType)
		switch {
		case strings.HasPrefix(mime, "audio/"):
			data, err := base64.StdEncoding.DecodeString(d.Data)
			if err != nil || len(data) == 0 {
				slog.Warn("dispatch: dropping undecodable audio", "mime", d.MIMEType, "err", err)
				break
			}
			out = append(out, AudioBlob{MIMEType: d.MIMEType, Data: data})
		case strings.HasPrefix(mime, "image/"):
			data, err := base64.StdEncoding.DecodeString(d.Data)
			if err != nil {
				slog.Warn("dispatch: undecodable image", "mime", d.MIMEType, "err", err)
				data = nil
			}
			if len(data) == 0 {
				data = nil
			}
			out = append(out, ImageGenerated{MIMEType: d.MIMEType, Data: data})
		default:
			slog.Debug("dispatch: ignoring inline data", "mime", d.MIMEType)
		}
	}
	return out
}
