// Package bus provides an in-process domain.EventBus used when Redis is not
// configured. It runs on watermill's Go channel pub/sub.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/infomarkets/marketbot/internal/domain"
)

const (
	// topic carries every event; subscribers filter on channelKey.
	topic      = "marketbot.events"
	channelKey = "channel"
	bufferSize = 128
)

// Memory fans published payloads out to local subscribers. Channel names may
// be glob patterns as understood by path.Match. Slow subscribers drop
// messages instead of blocking the publisher.
type Memory struct {
	pubsub *gochannel.GoChannel
}

var _ domain.EventBus = (*Memory)(nil)

// NewMemory returns an empty bus.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: bufferSize,
			// Subscribers ack as soon as the payload is queued or dropped,
			// so this only keeps delivery ordered.
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NewSlogLogger(logger.With(slog.String("component", "bus")))),
	}
}

// Publish delivers payload to every subscriber whose pattern matches channel.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(channelKey, channel)
	msg.SetContext(ctx)
	if err := m.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a subscriber. The returned channel closes when ctx is
// cancelled.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("bus: subscribe %q: %w", channel, err)
	}
	in, err := m.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, bufferSize)
	go func() {
		defer close(out)
		for msg := range in {
			if ok, _ := path.Match(channel, msg.Metadata.Get(channelKey)); ok {
				select {
				case out <- append([]byte(nil), msg.Payload...):
				default:
				}
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes every subscription.
func (m *Memory) Close() error {
	return m.pubsub.Close()
}
