package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandName names an inbound request from the presentation layer.
type CommandName string

const (
	CmdStart            CommandName = "start"
	CmdTriggerRecording CommandName = "triggerRecording"
	CmdStopRecording    CommandName = "stopRecording"
	CmdStop             CommandName = "stop"
)

// ErrUnknownCommand is returned by [ParseCommand] for unrecognised names.
var ErrUnknownCommand = errors.New("notify: unknown command")

// Command is one inbound request.
type Command struct {
	Name CommandName `json:"command"`

	// Key is the API key for start. Empty falls back to the configured key.
	Key string `json:"key,omitempty"`

	// DurationMs bounds a triggered recording. Zero means the configured
	// default; a negative value requests continuous capture.
	DurationMs int64 `json:"durationMs,omitempty"`
}

// Duration returns DurationMs as a time.Duration.
func (c Command) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

// ParseCommand decodes and validates one JSON command.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("notify: decode command: %w", err)
	}
	switch cmd.Name {
	case CmdStart, CmdTriggerRecording, CmdStopRecording, CmdStop:
		return cmd, nil
	case "":
		return Command{}, fmt.Errorf("notify: command name is missing")
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}

// CommandHandler handles one inbound command. It is called from transport
// goroutines and must be safe for concurrent use.
type CommandHandler func(ctx context.Context, cmd Command)
