package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/warp/care-attendance/attendance"
)

// publisher is the part of *nats.Conn used here.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes to "attendance.<action>".
type NATSNotifier struct {
	conn   publisher
	closer func()
}

func NewNATSNotifier(url string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url, nats.Name("care-attendance"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSNotifier{conn: conn, closer: conn.Close}, nil
}

func (n *NATSNotifier) Notify(ctx context.Context, note attendance.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(note)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(Subject(note.Action), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	if n.closer != nil {
		n.closer()
	}
	return nil
}
