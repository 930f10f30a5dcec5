// Package notify is the boundary to the per-topic notification transport.
package notify

import (
	"context"
	"sync"
)

// Publisher delivers one payload to a named topic. Topics are created on
// demand by the transport; Flush blocks until buffered publishes are on the
// wire.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Flush(ctx context.Context) error
}

// Noop discards everything. Used when no transport is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, topic string, payload []byte) error { return nil }
func (Noop) Flush(ctx context.Context) error                                { return nil }

// Recorded is one captured publish.
type Recorded struct {
	Topic   string
	Payload []byte
}

// Recorder captures publishes for tests.
type Recorder struct {
	mu        sync.Mutex
	published []Recorded
	// FailNext makes the next Publish fail with the given error.
	FailNext error
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNext != nil {
		err := r.FailNext
		r.FailNext = nil
		return err
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	r.published = append(r.published, Recorded{Topic: topic, Payload: data})
	return nil
}

func (r *Recorder) Flush(ctx context.Context) error { return nil }

// Published returns the captured publishes in order.
func (r *Recorder) Published() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.published))
	copy(out, r.published)
	return out
}
