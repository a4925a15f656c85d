package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "campaignflow"

// NATS relays notifications between processes. Every process subscribes to
// the whole prefix once and fans matching messages out to local subscribers,
// so a decision recorded by the API process wakes a gate in the worker process.
type NATS struct {
	conn   *nats.Conn
	prefix string
	local  *Local
	sub    *nats.Subscription
	logger *slog.Logger
}

func NewNATS(conn *nats.Conn, prefix string, logger *slog.Logger) (*NATS, error) {
	if conn == nil {
		return nil, fmt.Errorf("notify: nil nats connection")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &NATS{conn: conn, prefix: prefix, local: NewLocal(), logger: logger}
	sub, err := conn.Subscribe(prefix+".>", func(msg *nats.Msg) {
		topic, ok := n.topicFor(msg.Subject)
		if !ok {
			return
		}
		n.local.deliver(topic)
	})
	if err != nil {
		return nil, fmt.Errorf("notify: subscribe %s.>: %w", prefix, err)
	}
	n.sub = sub
	return n, nil
}

// Connect dials url and returns a relay over the new connection.
func Connect(url, prefix string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("campaignflow"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", url, err)
	}
	n, err := NewNATS(conn, prefix, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return n, nil
}

// Publish sends the wake-up through NATS. When the broker is unreachable the
// local subscribers are still woken; remote ones fall back to polling.
func (n *NATS) Publish(_ context.Context, topic string) error {
	if err := n.conn.Publish(n.subject(topic), nil); err != nil {
		n.logger.Warn("nats publish failed, notifying locally", "topic", topic, "error", err)
		n.local.deliver(topic)
		return fmt.Errorf("notify: publish %s: %w", topic, err)
	}
	return nil
}

func (n *NATS) Subscribe(topic string) (<-chan struct{}, func()) {
	return n.local.Subscribe(topic)
}

func (n *NATS) Close() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	n.conn.Close()
}

func (n *NATS) subject(topic string) string {
	return n.prefix + "." + topic
}

func (n *NATS) topicFor(subject string) (string, bool) {
	topic, ok := strings.CutPrefix(subject, n.prefix+".")
	return topic, ok && topic != ""
}
