package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/Deepreo/swapcron/core"
)

const DefaultBuffer = 64

type options struct {
	buffer int
}

type Option func(*options)

// WithBuffer sets how many undelivered notifications a subscription holds
// before new ones are dropped.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// InMemory is a process-local NotificationBus on a watermill go channel.
type InMemory struct {
	pubSub    *gochannel.GoChannel
	publisher message.Publisher
	logger    *slog.Logger
	buffer    int
	wg        sync.WaitGroup
}

func NewInMemory(sl *slog.Logger, opts ...Option) (*InMemory, error) {
	o := buildOptions(opts)
	logger := watermill.NewSlogLogger(sl)

	// Publish returns once every subscriber acked. Subscribers ack right
	// after a non-blocking hand-off, so a slow reader cannot stall the
	// publisher, and a topic's messages reach each subscriber in order.
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		PreserveContext:                true,
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	publisher, err := TraceContextDecorator(pubSub)
	if err != nil {
		return nil, err
	}
	return &InMemory{
		pubSub:    pubSub,
		publisher: publisher,
		logger:    sl,
		buffer:    o.buffer,
	}, nil
}

func (b *InMemory) Publish(ctx context.Context, topic string, n core.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := message.NewMessageWithContext(ctx, watermill.NewUUID(), payload)
	return b.publisher.Publish(topic, msg)
}

func (b *InMemory) Subscribe(ctx context.Context, topic string) (<-chan core.Notification, error) {
	messages, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Notification, b.buffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		for msg := range messages {
			b.deliver(topic, msg, out)
			msg.Ack()
		}
	}()
	return out, nil
}

func (b *InMemory) deliver(topic string, msg *message.Message, out chan<- core.Notification) {
	_, span := startConsumerSpan(msg, topic)
	defer span.End()

	var n core.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		b.logger.Warn("dropping undecodable notification", "topic", topic, "error", err)
		return
	}
	select {
	case out <- n:
	default:
		b.logger.Warn("subscriber buffer full, dropping notification", "topic", topic, "swap_id", n.SwapID)
	}
}

// Close ends every subscription and waits for their goroutines.
func (b *InMemory) Close() error {
	err := b.pubSub.Close()
	b.wg.Wait()
	return err
}
