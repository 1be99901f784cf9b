package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when NATSConfig.SubjectPrefix is empty.
const DefaultSubjectPrefix = "mirrorlive"

// NATSConfig configures the NATS bridge.
type NATSConfig struct {
	// Servers lists NATS server URLs.
	Servers []string

	// SubjectPrefix prefixes every subject. Events are published on
	// "<prefix>.events.<name>", commands are read from "<prefix>.commands".
	SubjectPrefix string

	// Token authenticates against the server when non-empty.
	Token string

	// ConnectTimeout bounds the initial dial. Zero uses the client default.
	ConnectTimeout time.Duration
}

// NATS publishes events to and receives commands from a NATS server, for
// dashboards that run the widget on another host.
type NATS struct {
	conn   *nats.Conn
	prefix string
	sub    *nats.Subscription
}

// ConnectNATS dials the configured servers.
func ConnectNATS(cfg NATSConfig) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("notify: no NATS servers configured")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	options := []nats.Option{
		nats.Name("mirrorlive"),
	}
	if cfg.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to nats: %w", err)
	}
	slog.Info("connected to NATS", "servers", url, "prefix", prefix)

	return &NATS{conn: conn, prefix: prefix}, nil
}

// EventSubject returns the subject an event with the given name is published on.
func (n *NATS) EventSubject(name Name) string {
	return n.prefix + ".events." + string(name)
}

// CommandSubject returns the subject commands are read from.
func (n *NATS) CommandSubject() string {
	return n.prefix + ".commands"
}

// Notify publishes ev. Failures are logged.
func (n *NATS) Notify(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notify: marshal event", "event", ev.Name, "err", err)
		return
	}
	if err := n.conn.Publish(n.EventSubject(ev.Name), data); err != nil {
		slog.Warn("notify: nats publish", "event", ev.Name, "err", err)
	}
}

// Subscribe starts delivering commands to h. ctx is passed to h for every
// command; cancelling it does not unsubscribe, use Close for that.
func (n *NATS) Subscribe(ctx context.Context, h CommandHandler) error {
	sub, err := n.conn.Subscribe(n.CommandSubject(), func(m *nats.Msg) {
		cmd, err := ParseCommand(m.Data)
		if err != nil {
			slog.Warn("notify: ignoring nats command", "err", err)
			return
		}
		h(ctx, cmd)
	})
	if err != nil {
		return fmt.Errorf("notify: nats subscribe: %w", err)
	}
	n.sub = sub
	return nil
}

// Healthy reports whether the connection is up.
func (n *NATS) Healthy() bool {
	return n != nil && n.conn != nil && n.conn.Status() == nats.CONNECTED
}

// Flush waits until all published events reached the server.
func (n *NATS) Flush() error {
	return n.conn.Flush()
}

// Close unsubscribes and drains the connection.
func (n *NATS) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	err := n.conn.Drain()
	n.conn.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("notify: nats drain: %w", err)
	}
	return nil
}
