// Package watermill publishes run events on a Watermill message bus, so that
// consumers outside a session (dashboards, audit, other services) can follow
// every run of an engine.
package watermill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
)

// DefaultTopic carries run events unless WithTopic says otherwise.
const DefaultTopic = "arbor.events"

// Metadata keys set on every message.
const (
	MetadataRunID     = "run_id"
	MetadataEventType = "event_type"
	MetadataSeq       = "seq"
)

// Bus publishes engine events and decodes them for subscribers. It is a
// ports.EventSink. Messages of one run carry consecutive seq values;
// transports may deliver them out of order.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	logger *slog.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithTopic sets the topic events are published on.
func WithTopic(topic string) Option {
	return func(b *Bus) {
		if topic != "" {
			b.topic = topic
		}
	}
}

// WithLogger configures a logger for the Bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates a bus over any Watermill transport. sub may be nil for a
// publish-only bus.
func New(pub message.Publisher, sub message.Subscriber, opts ...Option) *Bus {
	b := &Bus{
		pub:    pub,
		sub:    sub,
		topic:  DefaultTopic,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewInMemory creates a bus over an in-process GoChannel. Publishing never
// waits for subscribers.
func NewInMemory(opts ...Option) *Bus {
	b := New(nil, nil, opts...)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(b.logger),
	)
	b.pub, b.sub = pubSub, pubSub
	return b
}

// OnEvent publishes ev. Failures are logged; they never reach the run.
func (b *Bus) OnEvent(ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("encode event", "run_id", ev.RunID, "seq", ev.Seq, "err", err)
		return
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(MetadataRunID, ev.RunID)
	msg.Metadata.Set(MetadataEventType, string(ev.Type))
	msg.Metadata.Set(MetadataSeq, strconv.FormatUint(ev.Seq, 10))

	if err := b.pub.Publish(b.topic, msg); err != nil {
		b.logger.Warn("publish event", "run_id", ev.RunID, "seq", ev.Seq, "topic", b.topic, "err", err)
	}
}

// Subscribe streams the events published on the topic until ctx ends.
// Messages that do not decode are acknowledged and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	if b.sub == nil {
		return nil, fmt.Errorf("bus has no subscriber")
	}
	messages, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}

	out := make(chan domain.Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev domain.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn("dropping undecodable event message", "uuid", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes the publisher and, when distinct, the subscriber.
func (b *Bus) Close() error {
	err := b.pub.Close()
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if cerr := b.sub.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
