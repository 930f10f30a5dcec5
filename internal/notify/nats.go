package notify

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectPrefix namespaces presence topics on the shared NATS cluster.
const subjectPrefix = "presence."

// NATSPublisher publishes presence changes to per-user NATS subjects.
// Subjects exist implicitly, so topic create-on-demand is free.
type NATSPublisher struct {
	nc *nats.Conn
}

var _ Publisher = (*NATSPublisher)(nil)

// ConnectNATS dials the cluster with reconnect-forever semantics.
func ConnectNATS(url, name string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc}, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher { return &NATSPublisher{nc: nc} }

func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.nc.Publish(subjectPrefix+topic, payload)
}

func (p *NATSPublisher) Flush(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	_ = p.nc.Drain()
}
