package notify

import (
	"errors"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		want    Command
		wantErr bool
	}{
		{input: `{"command":"start","key":"k"}`, want: Command{Name: CmdStart, Key: "k"}},
		{input: `{"command":"triggerRecording","durationMs":1500}`, want: Command{Name: CmdTriggerRecording, DurationMs: 1500}},
		{input: `{"command":"stopRecording"}`, want: Command{Name: CmdStopRecording}},
		{input: `{"command":"stop"}`, want: Command{Name: CmdStop}},
		{input: `{"command":""}`, wantErr: true},
		{input: `{}`, wantErr: true},
		{input: `not json`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseCommand_Unknown(t *testing.T) {
	_, err := ParseCommand([]byte(`{"command":"dance"}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestCommand_Duration(t *testing.T) {
	c := Command{DurationMs: 250}
	if c.Duration() != 250*time.Millisecond {
		t.Errorf("Duration = %v", c.Duration())
	}
}
