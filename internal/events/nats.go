package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors run events to NATS subjects of the form
// <prefix>.<run_id>.<type>, e.g. autodevd.runs.run_1a2b3c4d.status_changed.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an existing connection. The caller owns the
// connection lifecycle.
func NewNATSPublisher(conn *nats.Conn, prefix string) (*NATSPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	if prefix == "" {
		prefix = "autodevd.runs"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Publish sends the event as JSON. Fire-and-forget: delivery is best
// effort, the bus logs failures and the pipeline never blocks on NATS.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", p.prefix, ev.RunID, ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
