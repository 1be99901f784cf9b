package session

import (
	"time"

	"github.com/MrWong99/mirrorlive/internal/capture"
	"github.com/MrWong99/mirrorlive/internal/notify"
	"github.com/MrWong99/mirrorlive/internal/relay"
	"github.com/MrWong99/mirrorlive/pkg/provider/live"
)

// Loop events. Everything that changes session state arrives as one of
// these and is applied by the loop goroutine in arrival order.

type startCmd struct {
	key string
}

type stopCmd struct {
	done chan struct{}
}

type triggerCmd struct {
	mode capture.Mode
}

type stopRecordingCmd struct{}

type connectResult struct {
	gen      uint64
	conn     live.Conn
	err      error
	duration time.Duration
}

type openCb struct {
	gen uint64
}

type messageCb struct {
	gen uint64
	msg *live.ServerMessage
}

type errorCb struct {
	gen uint64
	err error
}

type closeCb struct {
	gen uint64
	ev  live.CloseEvent
}

type captureEv struct {
	ev capture.Event
}

type relayEv struct {
	res relay.Result
}

// emitEv emits a notification once every event queued before it has been
// applied.
type emitEv struct {
	ev notify.Event
}
