// Package pubsub forwards live query events to NATS JetStream so that
// standing geofence watches can be consumed by other services.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes raw messages to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// jetStreamNew is a variable to allow mocking in tests.
var jetStreamNew = func(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// natsPublisher implements Publisher using NATS JetStream.
type natsPublisher struct {
	js     jetstream.JetStream
	stream string
}

// NewNATSPublisher creates a JetStream publisher and ensures the stream
// exists. The connection stays owned by the caller.
func NewNATSPublisher(nc *nats.Conn, streamName string) (Publisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if streamName == "" {
		streamName = "GEOSTREAM"
	}

	js, err := jetStreamNew(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	if err := ensureStream(js, streamName); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return &natsPublisher{js: js, stream: streamName}, nil
}

func ensureStream(js jetstream.JetStream, streamName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{streamName + ".>"},
		Storage:  jetstream.MemoryStorage,
	})
	return err
}

func (p *natsPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

func (p *natsPublisher) Close() error {
	return nil
}

// NoopPublisher discards everything. Used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }
