// Package fault defines the error taxonomy shared by the session components.
//
// Every error that reaches the presentation layer is classified by a [Kind].
// Config and Connection errors are fatal for the current session and require
// a fresh start; Recording and Send errors end only the affected capture
// episode; Protocol errors are surfaced as markers and leave the connection
// alone.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an [Error].
type Kind string

const (
	KindConfig     Kind = "ConfigError"
	KindConnection Kind = "ConnectionError"
	KindRecording  Kind = "RecordingError"
	KindSend       Kind = "SendError"
	KindProtocol   Kind = "ProtocolError"
)

// Fatal reports whether errors of this kind end the session.
func (k Kind) Fatal() bool {
	return k == KindConfig || k == KindConnection
}

// ErrMissingKey is the cause of the ConfigError returned when a session is
// started without an API key.
var ErrMissingKey = errors.New("api key is missing")

// ErrClosedUnexpectedly is the cause reported when the remote end closes an
// open connection without a preceding stop.
var ErrClosedUnexpectedly = errors.New("closed unexpectedly")

// Error is a classified error. Seq carries the chunk sequence number for
// Send errors and is zero otherwise.
type Error struct {
	Kind Kind
	Seq  int64
	Err  error
}

// Error returns the message of the underlying cause, prefixed with the chunk
// sequence number when one is set.
func (e *Error) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Seq > 0 {
		return fmt.Sprintf("chunk %d: %s", e.Seq, msg)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New classifies err as kind. A nil err yields nil.
func New(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf classifies a formatted error as kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Send returns a Send error attributed to chunk seq.
func Send(seq int64, err error) *Error {
	return &Error{Kind: KindSend, Seq: seq, Err: err}
}

// KindOf returns the Kind of the first [Error] in err's chain, or the empty
// Kind when there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries a classification of kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
